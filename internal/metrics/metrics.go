// Package metrics keeps federation counters as plain atomics and can dump
// them to a JSON file for scraping by whatever watches the host.
package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// EventHeader is the bounded trace of recently applied events kept for the
// snapshot file.
type EventHeader struct {
	EventID string `json:"event_id"`
	Origin  string `json:"origin"`
	Kind    string `json:"kind"`
	Channel string `json:"channel,omitempty"`
}

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Envelope    EnvelopeCounts `json:"envelope"`
	Sync        SyncCounts     `json:"sync"`
	Peers       PeerCounts     `json:"peers"`
	Recent      []EventHeader  `json:"recent"`
}

type EnvelopeCounts struct {
	Verified         uint64 `json:"verified"`
	Applied          uint64 `json:"applied"`
	DropBadSig       uint64 `json:"drop_bad_sig"`
	DropMalformed    uint64 `json:"drop_malformed"`
	DropDuplicate    uint64 `json:"drop_duplicate"`
	DropRate         uint64 `json:"drop_rate"`
	DropUnauthorized uint64 `json:"drop_unauthorized"`
}

type SyncCounts struct {
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	Merges        uint64 `json:"merges"`
	Compactions   uint64 `json:"compactions"`
	Reconciles    uint64 `json:"reconciles"`
}

type PeerCounts struct {
	Connected uint64 `json:"connected"`
	Handshook uint64 `json:"handshakes_total"`
	Rotations uint64 `json:"key_rotations"`
}

type Metrics struct {
	verified         atomic.Uint64
	applied          atomic.Uint64
	dropBadSig       atomic.Uint64
	dropMalformed    atomic.Uint64
	dropDuplicate    atomic.Uint64
	dropRate         atomic.Uint64
	dropUnauthorized atomic.Uint64

	syncSent     atomic.Uint64
	syncReceived atomic.Uint64
	merges       atomic.Uint64
	compactions  atomic.Uint64
	reconciles   atomic.Uint64

	peersConnected atomic.Uint64
	handshakes     atomic.Uint64
	rotations      atomic.Uint64

	recent *recentRing
}

func New() *Metrics {
	return &Metrics{recent: newRecentRing(64)}
}

func (m *Metrics) IncVerified()         { m.verified.Add(1) }
func (m *Metrics) IncApplied()          { m.applied.Add(1) }
func (m *Metrics) IncDropBadSig()       { m.dropBadSig.Add(1) }
func (m *Metrics) IncDropMalformed()    { m.dropMalformed.Add(1) }
func (m *Metrics) IncDropDuplicate()    { m.dropDuplicate.Add(1) }
func (m *Metrics) IncDropRate()         { m.dropRate.Add(1) }
func (m *Metrics) IncDropUnauthorized() { m.dropUnauthorized.Add(1) }

func (m *Metrics) AddSyncSent(n int)     { m.syncSent.Add(uint64(n)) }
func (m *Metrics) AddSyncReceived(n int) { m.syncReceived.Add(uint64(n)) }
func (m *Metrics) IncMerges()            { m.merges.Add(1) }
func (m *Metrics) IncCompactions()       { m.compactions.Add(1) }
func (m *Metrics) IncReconciles()        { m.reconciles.Add(1) }

func (m *Metrics) PeerUp()      { m.peersConnected.Add(1); m.handshakes.Add(1) }
func (m *Metrics) PeerDown()    { m.peersConnected.Add(^uint64(0)) }
func (m *Metrics) IncRotation() { m.rotations.Add(1) }

func (m *Metrics) RecordEvent(h EventHeader) { m.recent.add(h) }

func (m *Metrics) Snapshot() Snapshot {
	recent := []EventHeader{}
	if m.recent != nil {
		recent = m.recent.items()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Envelope: EnvelopeCounts{
			Verified:         m.verified.Load(),
			Applied:          m.applied.Load(),
			DropBadSig:       m.dropBadSig.Load(),
			DropMalformed:    m.dropMalformed.Load(),
			DropDuplicate:    m.dropDuplicate.Load(),
			DropRate:         m.dropRate.Load(),
			DropUnauthorized: m.dropUnauthorized.Load(),
		},
		Sync: SyncCounts{
			BytesSent:     m.syncSent.Load(),
			BytesReceived: m.syncReceived.Load(),
			Merges:        m.merges.Load(),
			Compactions:   m.compactions.Load(),
			Reconciles:    m.reconciles.Load(),
		},
		Peers: PeerCounts{
			Connected: m.peersConnected.Load(),
			Handshook: m.handshakes.Load(),
			Rotations: m.rotations.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type recentRing struct {
	mu  sync.Mutex
	cap int
	buf []EventHeader
}

func newRecentRing(capacity int) *recentRing {
	if capacity <= 0 {
		capacity = 64
	}
	return &recentRing{cap: capacity}
}

func (r *recentRing) add(h EventHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= r.cap {
		copy(r.buf, r.buf[1:])
		r.buf[len(r.buf)-1] = h
		return
	}
	r.buf = append(r.buf, h)
}

func (r *recentRing) items() []EventHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventHeader, len(r.buf))
	copy(out, r.buf)
	return out
}
