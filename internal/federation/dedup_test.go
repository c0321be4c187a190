package federation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupHighWater(t *testing.T) {
	d := newDedupState()
	assert.False(t, d.seen("origin-a:5"))
	assert.True(t, d.seen("origin-a:5"))
	assert.True(t, d.seen("origin-a:4")) // below the mark
	assert.False(t, d.seen("origin-a:6"))
	assert.False(t, d.seen("origin-b:5")) // independent origin
}

func TestDedupRingForUnparseableIDs(t *testing.T) {
	d := newDedupState()
	assert.False(t, d.seen("legacy-id"))
	assert.True(t, d.seen("legacy-id"))

	// Overflow the ring; the earliest entry ages out.
	for i := 0; i < dedupRingSize; i++ {
		d.seen(fmt.Sprintf("legacy-%d", i))
	}
	assert.False(t, d.seen("legacy-id"))
}

func TestDedupEmptyIDNeverDeduped(t *testing.T) {
	d := newDedupState()
	assert.False(t, d.seen(""))
	assert.False(t, d.seen(""))
}

func TestDedupResetOnNewState(t *testing.T) {
	d := newDedupState()
	d.seen("origin-a:9")
	// A reconnect builds a fresh dedupState; the old marks are gone.
	d = newDedupState()
	assert.False(t, d.seen("origin-a:9"))
}

func TestTokenBucket(t *testing.T) {
	b := newTokenBucket(10)
	now := time.Now()
	for i := 0; i < 10; i++ {
		assert.True(t, b.allowAt(now), "token %d", i)
	}
	assert.False(t, b.allowAt(now))

	// Half a second refills half the budget.
	now = now.Add(500 * time.Millisecond)
	for i := 0; i < 5; i++ {
		assert.True(t, b.allowAt(now), "refilled token %d", i)
	}
	assert.False(t, b.allowAt(now))

	// The bucket never banks more than its capacity.
	now = now.Add(time.Hour)
	for i := 0; i < 10; i++ {
		assert.True(t, b.allowAt(now))
	}
	assert.False(t, b.allowAt(now))
}
