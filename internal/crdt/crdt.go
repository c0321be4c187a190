// Package crdt implements the convergent replicated document that backs
// durable channel state. The key space is flat; every key carries a Lamport
// clock and the writing actor's ID, and the merge rule is chosen by key
// prefix. Merges are commutative, associative and idempotent, so any two
// replicas that exchange state arrive at the same document.
package crdt

import (
	"strings"
	"sync"
)

// Key prefixes. The prefix picks the merge rule for the key.
const (
	PrefixTopic     = "topic:"
	PrefixBan       = "ban:"
	PrefixFounder   = "founder:"
	PrefixDIDOp     = "did_op:"
	PrefixMember    = "member:"
	PrefixNickOwner = "nickowner:"
)

func TopicKey(channel string) string          { return PrefixTopic + channel }
func BanKey(channel, mask string) string      { return PrefixBan + channel + ":" + mask }
func FounderKey(channel string) string        { return PrefixFounder + channel }
func DIDOpKey(channel, did string) string     { return PrefixDIDOp + channel + ":" + did }
func MemberKey(channel, nick string) string   { return PrefixMember + channel + ":" + nick }
func NickOwnerKey(nick string) string         { return PrefixNickOwner + nick }

type mergeClass int

const (
	classLWW mergeClass = iota
	classFirstWrite
	classTwoPhase
)

func classOf(key string) mergeClass {
	switch {
	case strings.HasPrefix(key, PrefixFounder):
		return classFirstWrite
	case strings.HasPrefix(key, PrefixBan), strings.HasPrefix(key, PrefixDIDOp):
		return classTwoPhase
	default:
		return classLWW
	}
}

// Entry is one key's materialized state. Deleted entries are tombstones;
// two-phase keys need them so a revoke survives a merge with an older grant.
type Entry struct {
	Value   string `json:"v,omitempty"`
	Clock   uint64 `json:"c"`
	Actor   string `json:"a"`
	Deleted bool   `json:"d,omitempty"`
}

// Document is one replica of the shared state. All methods are safe for
// concurrent use.
type Document struct {
	mu      sync.Mutex
	actor   string
	clock   uint64
	entries map[string]Entry
}

func New(actor string) *Document {
	return &Document{actor: actor, entries: make(map[string]Entry)}
}

func (d *Document) Actor() string { return d.actor }

// Set records a local write and returns the clock it was stamped with.
func (d *Document) Set(key, value string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock++
	d.entries[key] = Entry{Value: value, Clock: d.clock, Actor: d.actor}
	return d.clock
}

// Delete records a local removal. The tombstone keeps the clock so remote
// replicas can order it against concurrent writes.
func (d *Document) Delete(key string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock++
	d.entries[key] = Entry{Clock: d.clock, Actor: d.actor, Deleted: true}
	return d.clock
}

// Get returns the live value for key. Tombstoned keys read as absent.
func (d *Document) Get(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return "", false
	}
	return e.Value, true
}

// List returns the live values under a key prefix.
func (d *Document) List(prefix string) map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string)
	for k, e := range d.entries {
		if e.Deleted || !strings.HasPrefix(k, prefix) {
			continue
		}
		out[k] = e.Value
	}
	return out
}

// State snapshots every entry, tombstones included, for replication.
func (d *Document) State() map[string]Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Entry, len(d.entries))
	for k, e := range d.entries {
		out[k] = e
	}
	return out
}

// Merge folds a remote replica's entries into this document and returns
// the keys whose materialized value changed. The local clock ratchets past
// every incoming clock so later local writes order after everything seen.
func (d *Document) Merge(remote map[string]Entry) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var changed []string
	for key, in := range remote {
		if in.Clock > d.clock {
			d.clock = in.Clock
		}
		cur, ok := d.entries[key]
		if !ok {
			d.entries[key] = in
			changed = append(changed, key)
			continue
		}
		if wins(classOf(key), in, cur) {
			d.entries[key] = in
			if in.Deleted != cur.Deleted || in.Value != cur.Value {
				changed = append(changed, key)
			}
		}
	}
	return changed
}

// wins reports whether the incoming entry replaces the current one.
func wins(class mergeClass, in, cur Entry) bool {
	switch class {
	case classFirstWrite:
		// Earliest write is authoritative; the smaller actor breaks ties.
		if in.Clock != cur.Clock {
			return in.Clock < cur.Clock
		}
		return in.Actor < cur.Actor
	case classTwoPhase:
		// A removal only dominates state it has causally seen; on a clock
		// tie the live value survives.
		if in.Deleted != cur.Deleted {
			if in.Deleted {
				return in.Clock > cur.Clock
			}
			return in.Clock >= cur.Clock
		}
		fallthrough
	default:
		if in.Clock != cur.Clock {
			return in.Clock > cur.Clock
		}
		return in.Actor > cur.Actor
	}
}

// Compact drops tombstones for last-writer-wins keys, where the tombstone
// carries no information a fresh write could not overwrite anyway.
// Two-phase and first-write tombstones are kept; removing them would let
// an old grant or founder claim resurrect on the next merge.
func (d *Document) Compact() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, e := range d.entries {
		if e.Deleted && classOf(k) == classLWW {
			delete(d.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of stored entries, tombstones included.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
