package crdt

import (
	"encoding/json"
	"fmt"

	"meshchat/internal/crypto"
	"meshchat/internal/store"
)

const snapshotAAD = "meshchat:snapshot:v1"

type snapshot struct {
	Actor   string           `json:"actor"`
	Clock   uint64           `json:"clock"`
	Entries map[string]Entry `json:"entries"`
	Nonce   []byte           `json:"-"`
}

type sealedFile struct {
	Nonce  []byte `json:"nonce"`
	Sealed []byte `json:"sealed"`
}

// SaveSealed writes the whole document to path, encrypted under key32.
// The snapshot is also the compaction artifact: what it does not carry
// (nothing, today) is gone after a reload.
func (d *Document) SaveSealed(path string, key32 []byte) error {
	d.mu.Lock()
	snap := snapshot{Actor: d.actor, Clock: d.clock, Entries: make(map[string]Entry, len(d.entries))}
	for k, e := range d.entries {
		snap.Entries[k] = e
	}
	d.mu.Unlock()

	plain, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	nonce, sealed, err := crypto.XSeal(key32, plain, []byte(snapshotAAD))
	if err != nil {
		return fmt.Errorf("seal snapshot: %w", err)
	}
	blob, err := json.Marshal(sealedFile{Nonce: nonce, Sealed: sealed})
	if err != nil {
		return err
	}
	return store.WriteBlob(path, blob)
}

// LoadSealed restores a document saved by SaveSealed. A missing file yields
// a fresh document for the given actor.
func LoadSealed(path string, key32 []byte, actor string) (*Document, error) {
	blob, err := store.ReadBlob(path)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return New(actor), nil
	}
	var sf sealedFile
	if err := json.Unmarshal(blob, &sf); err != nil {
		return nil, fmt.Errorf("parse snapshot file: %w", err)
	}
	plain, err := crypto.XOpen(key32, sf.Nonce, sf.Sealed, []byte(snapshotAAD))
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	d := New(actor)
	d.clock = snap.Clock
	if snap.Entries != nil {
		d.entries = snap.Entries
	}
	return d, nil
}

// EncodeState marshals a replication payload for sync messages.
func EncodeState(entries map[string]Entry) ([]byte, error) {
	return json.Marshal(entries)
}

// DecodeState parses a replication payload received from a peer.
func DecodeState(data []byte) (map[string]Entry, error) {
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse sync state: %w", err)
	}
	return entries, nil
}
