package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesOnce(t *testing.T) {
	home := t.TempDir()

	first, err := Load(home)
	require.NoError(t, err)
	assert.False(t, first.ID.IsZero())

	second, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []byte(first.PubKey), []byte(second.PubKey))
}

func TestDeriveParseRoundTrip(t *testing.T) {
	id1, err := Load(t.TempDir())
	require.NoError(t, err)

	parsed, err := Parse(id1.ID.String())
	require.NoError(t, err)
	assert.Equal(t, id1.ID, parsed)

	_, err = Parse("not-hex")
	assert.Error(t, err)
	_, err = Parse("abcd")
	assert.Error(t, err)
}

func TestDeriveIsKeyBound(t *testing.T) {
	a, err := Load(t.TempDir())
	require.NoError(t, err)
	b, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ID, Derive(a.PubKey))
}

func TestCertificateCarriesIdentityKey(t *testing.T) {
	id, err := Load(t.TempDir())
	require.NoError(t, err)

	cert, err := id.Certificate()
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	pub, err := peerKeyFromRaw(cert.Certificate)
	require.NoError(t, err)
	assert.Equal(t, id.ID, Derive(pub))
}

func TestSnapshotKeyStable(t *testing.T) {
	home := t.TempDir()
	id1, err := Load(home)
	require.NoError(t, err)
	id2, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, id1.SnapshotKey(), id2.SnapshotKey())
	assert.Len(t, id1.SnapshotKey(), 32)
}
