package crdt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshchat/internal/crypto"
)

func TestSetGetDelete(t *testing.T) {
	d := New("a")
	d.Set(TopicKey("#go"), "gophers")
	v, ok := d.Get(TopicKey("#go"))
	require.True(t, ok)
	assert.Equal(t, "gophers", v)

	d.Delete(TopicKey("#go"))
	_, ok = d.Get(TopicKey("#go"))
	assert.False(t, ok)
}

func TestMergeIsIdempotent(t *testing.T) {
	a := New("a")
	a.Set(TopicKey("#go"), "first")
	state := a.State()

	b := New("b")
	changed := b.Merge(state)
	assert.NotEmpty(t, changed)
	changed = b.Merge(state)
	assert.Empty(t, changed)
}

func TestMergeIsCommutative(t *testing.T) {
	a := New("a")
	a.Set(TopicKey("#go"), "from-a")
	b := New("b")
	b.Set(TopicKey("#go"), "from-b")

	sa, sb := a.State(), b.State()

	x := New("x")
	x.Merge(sa)
	x.Merge(sb)
	y := New("y")
	y.Merge(sb)
	y.Merge(sa)

	vx, _ := x.Get(TopicKey("#go"))
	vy, _ := y.Get(TopicKey("#go"))
	assert.Equal(t, vx, vy)
	// Equal clocks, so the higher actor's write wins on both replicas.
	assert.Equal(t, "from-b", vx)
}

func TestTwoReplicaExchangeConverges(t *testing.T) {
	a := New("a")
	b := New("b")
	a.Set(TopicKey("#go"), "topic-a")
	a.Set(FounderKey("#go"), "did:a")
	b.Set(BanKey("#go", "*!*@bad"), "did:b")
	b.Set(TopicKey("#rust"), "crab")

	b.Merge(a.State())
	a.Merge(b.State())

	assert.Equal(t, a.State(), b.State())
}

func TestLWWHigherClockWins(t *testing.T) {
	a := New("a")
	a.Set(TopicKey("#go"), "old")
	a.Set(TopicKey("#go"), "new")

	b := New("b")
	b.Set(TopicKey("#go"), "stale") // clock 1
	stale := b.State()

	b.Merge(a.State())
	v, _ := b.Get(TopicKey("#go"))
	assert.Equal(t, "new", v)

	// The stale clock-1 write never displaces the clock-2 value.
	a.Merge(stale)
	v, _ = a.Get(TopicKey("#go"))
	assert.Equal(t, "new", v)
}

func TestFounderFirstWriteWins(t *testing.T) {
	a := New("a")
	a.Set(FounderKey("#go"), "did:a") // clock 1

	b := New("b")
	b.Set(TopicKey("#go"), "bump")
	b.Set(FounderKey("#go"), "did:b") // clock 2

	b.Merge(a.State())
	v, _ := b.Get(FounderKey("#go"))
	assert.Equal(t, "did:a", v)

	a.Merge(b.State())
	v, _ = a.Get(FounderKey("#go"))
	assert.Equal(t, "did:a", v)
}

func TestFounderTieGoesToSmallerActor(t *testing.T) {
	a := New("a")
	a.Set(FounderKey("#go"), "did:a") // clock 1
	b := New("b")
	b.Set(FounderKey("#go"), "did:b") // clock 1

	a.Merge(b.State())
	b.Merge(a.State())
	va, _ := a.Get(FounderKey("#go"))
	vb, _ := b.Get(FounderKey("#go"))
	assert.Equal(t, "did:a", va)
	assert.Equal(t, va, vb)
}

func TestRevokeDominatesOnlyWhenLater(t *testing.T) {
	key := DIDOpKey("#go", "did:x")

	a := New("a")
	a.Set(key, "granted") // clock 1

	// Revoke that has seen the grant wins.
	b := New("b")
	b.Merge(a.State())
	b.Delete(key) // clock 2
	a.Merge(b.State())
	_, ok := a.Get(key)
	assert.False(t, ok)

	// A concurrent revoke with the same clock loses to the live grant.
	c := New("c")
	c.Delete(key) // clock 1
	d := New("d")
	d.Set(key, "granted") // clock 1
	c.Merge(d.State())
	d.Merge(c.State())
	vc, okc := c.Get(key)
	vd, okd := d.Get(key)
	assert.True(t, okc)
	assert.True(t, okd)
	assert.Equal(t, vc, vd)
}

func TestCompactDropsOnlyLWWTombstones(t *testing.T) {
	d := New("a")
	d.Set(TopicKey("#go"), "t")
	d.Delete(TopicKey("#go"))
	d.Set(BanKey("#go", "*!*@bad"), "x")
	d.Delete(BanKey("#go", "*!*@bad"))
	d.Delete(FounderKey("#go"))

	n := d.Compact()
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, d.Len())
}

func TestListSkipsTombstones(t *testing.T) {
	d := New("a")
	d.Set(BanKey("#go", "a"), "1")
	d.Set(BanKey("#go", "b"), "2")
	d.Delete(BanKey("#go", "a"))
	got := d.List(BanKey("#go", ""))
	assert.Equal(t, map[string]string{BanKey("#go", "b"): "2"}, got)
}

func TestSealedSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.sealed")
	key := crypto.KDF("test:snapshot", []byte("seed"))

	d := New("a")
	d.Set(TopicKey("#go"), "gophers")
	d.Set(FounderKey("#go"), "did:a")
	require.NoError(t, d.SaveSealed(path, key))

	got, err := LoadSealed(path, key, "a")
	require.NoError(t, err)
	assert.Equal(t, d.State(), got.State())

	// Clock survives, so the next local write orders after everything saved.
	got.Set(TopicKey("#go"), "later")
	v, _ := got.Get(TopicKey("#go"))
	assert.Equal(t, "later", v)
}

func TestSealedSnapshotWrongKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.sealed")
	d := New("a")
	d.Set(TopicKey("#go"), "gophers")
	require.NoError(t, d.SaveSealed(path, crypto.KDF("k1", []byte("s"))))

	_, err := LoadSealed(path, crypto.KDF("k2", []byte("s")), "a")
	assert.Error(t, err)
}

func TestLoadSealedMissingFileIsFresh(t *testing.T) {
	d, err := LoadSealed(filepath.Join(t.TempDir(), "absent"), crypto.KDF("k", []byte("s")), "me")
	require.NoError(t, err)
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, "me", d.Actor())
}

func TestEncodeDecodeState(t *testing.T) {
	d := New("a")
	d.Set(TopicKey("#go"), "gophers")
	d.Delete(BanKey("#go", "x"))

	data, err := EncodeState(d.State())
	require.NoError(t, err)
	got, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, d.State(), got)
}
