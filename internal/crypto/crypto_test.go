package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenKeypair()
	require.NoError(t, err)

	msg := []byte("meshchat:v1:event|hello")
	sig, err := Sign(priv, msg)
	require.NoError(t, err)

	assert.True(t, Verify(pub, msg, sig))
	assert.False(t, Verify(pub, append([]byte{0}, msg...), sig))

	// Any single flipped bit in the message must fail verification.
	for i := range msg {
		tampered := make([]byte, len(msg))
		copy(tampered, msg)
		tampered[i] ^= 0x01
		assert.False(t, Verify(pub, tampered, sig), "bit flip at byte %d accepted", i)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	pub1, priv1, err := GenKeypair()
	require.NoError(t, err)
	pub2, _, err := GenKeypair()
	require.NoError(t, err)

	msg := []byte("payload")
	sig, err := Sign(priv1, msg)
	require.NoError(t, err)

	assert.True(t, Verify(pub1, msg, sig))
	assert.False(t, Verify(pub2, msg, sig))
	assert.False(t, Verify(nil, msg, sig))
	assert.False(t, Verify(pub1, msg, sig[:32]))
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := KDF("meshchat:test:seal", []byte("seed"))
	nonce, ct, err := XSeal(key, []byte("replicated document"), []byte("snapshot:v1"))
	require.NoError(t, err)

	pt, err := XOpen(key, nonce, ct, []byte("snapshot:v1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("replicated document"), pt)

	_, err = XOpen(key, nonce, ct, []byte("snapshot:v2"))
	assert.Error(t, err)

	ct[0] ^= 0x01
	_, err = XOpen(key, nonce, ct, []byte("snapshot:v1"))
	assert.Error(t, err)
}

func TestKeypairStorage(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := GenKeypair()
	require.NoError(t, err)
	require.NoError(t, SaveKeypair(dir, pub, priv))

	pub2, priv2, err := LoadKeypair(dir)
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), []byte(pub2))
	assert.Equal(t, []byte(priv), []byte(priv2))
}

func TestKDFIsDomainSeparated(t *testing.T) {
	a := KDF("label-a", []byte("x"))
	b := KDF("label-b", []byte("x"))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}
