package federation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshchat/internal/crypto"
	"meshchat/internal/identity"
	"meshchat/internal/proto"
)

func TestSignRotationVerifies(t *testing.T) {
	oldIdent, err := identity.Load(t.TempDir())
	require.NoError(t, err)
	newIdent, err := identity.Load(t.TempDir())
	require.NoError(t, err)
	issued := uint64(time.Now().Unix())

	sig, err := SignRotation(oldIdent, newIdent.ID, issued)
	require.NoError(t, err)

	bytes := proto.RotationSignBytes(oldIdent.ID, newIdent.ID, issued)
	assert.True(t, crypto.Verify(oldIdent.PubKey, bytes, sig))

	// The statement binds every field; changing any of them breaks it.
	assert.False(t, crypto.Verify(oldIdent.PubKey,
		proto.RotationSignBytes(newIdent.ID, newIdent.ID, issued), sig))
	assert.False(t, crypto.Verify(oldIdent.PubKey,
		proto.RotationSignBytes(oldIdent.ID, oldIdent.ID, issued), sig))
	assert.False(t, crypto.Verify(oldIdent.PubKey,
		proto.RotationSignBytes(oldIdent.ID, newIdent.ID, issued+1), sig))
	assert.False(t, crypto.Verify(newIdent.PubKey, bytes, sig))
}

func TestRotationGraceBookkeeping(t *testing.T) {
	m := newTestManager(t)
	old := remoteID(t)

	m.mu.Lock()
	m.grace[old] = time.Now().Add(time.Minute)
	m.mu.Unlock()

	m.expireRotations(time.Now())
	m.mu.Lock()
	_, ok := m.grace[old]
	m.mu.Unlock()
	assert.True(t, ok)

	m.expireRotations(time.Now().Add(2 * time.Minute))
	m.mu.Lock()
	_, ok = m.grace[old]
	m.mu.Unlock()
	assert.False(t, ok)
}
