package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.IncVerified()
	m.IncVerified()
	m.IncApplied()
	m.IncDropBadSig()
	m.IncDropDuplicate()
	m.IncDropRate()
	m.IncDropUnauthorized()
	m.IncDropMalformed()
	m.AddSyncSent(100)
	m.AddSyncReceived(40)
	m.IncMerges()
	m.IncCompactions()
	m.IncReconciles()
	m.PeerUp()
	m.PeerUp()
	m.PeerDown()
	m.IncRotation()

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Envelope.Verified)
	assert.Equal(t, uint64(1), snap.Envelope.Applied)
	assert.Equal(t, uint64(1), snap.Envelope.DropBadSig)
	assert.Equal(t, uint64(1), snap.Envelope.DropDuplicate)
	assert.Equal(t, uint64(1), snap.Envelope.DropRate)
	assert.Equal(t, uint64(1), snap.Envelope.DropUnauthorized)
	assert.Equal(t, uint64(1), snap.Envelope.DropMalformed)
	assert.Equal(t, uint64(100), snap.Sync.BytesSent)
	assert.Equal(t, uint64(40), snap.Sync.BytesReceived)
	assert.Equal(t, uint64(1), snap.Peers.Connected)
	assert.Equal(t, uint64(2), snap.Peers.Handshook)
	assert.Equal(t, uint64(1), snap.Peers.Rotations)
}

func TestRecentRingBounded(t *testing.T) {
	m := New()
	for i := 0; i < 100; i++ {
		m.RecordEvent(EventHeader{EventID: "abc:1", Kind: "privmsg"})
	}
	snap := m.Snapshot()
	assert.Len(t, snap.Recent, 64)
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncVerified()
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, m.WriteSnapshot(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, uint64(1), snap.Envelope.Verified)

	assert.NoError(t, m.WriteSnapshot("")) // disabled path is a no-op
}
