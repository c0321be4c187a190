package federation

import (
	"strings"

	"meshchat/internal/proto"
)

const dedupRingSize = 1024

// dedupState suppresses replayed or re-relayed events from one peer. Two
// mechanisms compose: a per-origin high-water mark over the monotonic
// event-ID counter, and a bounded ring of recently seen IDs for events
// whose IDs do not parse as counters. State is discarded wholesale on
// disconnect; a reconnecting peer starts clean and relies on its own
// counter monotonicity.
type dedupState struct {
	highWater map[string]uint64
	ring      []string
	ringIdx   int
	ringSet   map[string]struct{}
}

func newDedupState() *dedupState {
	return &dedupState{
		highWater: make(map[string]uint64),
		ring:      make([]string, 0, dedupRingSize),
		ringSet:   make(map[string]struct{}),
	}
}

// seen records eventID and reports whether it was already delivered.
func (d *dedupState) seen(eventID string) bool {
	if eventID == "" {
		return false
	}
	if counter, ok := proto.EventIDCounter(eventID); ok {
		origin := eventID[:strings.LastIndexByte(eventID, ':')]
		if hw, ok := d.highWater[origin]; ok && counter <= hw {
			return true
		}
		d.highWater[origin] = counter
		return false
	}
	if _, ok := d.ringSet[eventID]; ok {
		return true
	}
	if len(d.ring) < dedupRingSize {
		d.ring = append(d.ring, eventID)
	} else {
		delete(d.ringSet, d.ring[d.ringIdx])
		d.ring[d.ringIdx] = eventID
		d.ringIdx = (d.ringIdx + 1) % dedupRingSize
	}
	d.ringSet[eventID] = struct{}{}
	return false
}
