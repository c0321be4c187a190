package federation

import "time"

// tokenBucket is the per-peer event budget, refilled continuously. Applied
// after signature verification so an attacker cannot spend another peer's
// budget, and before authorization so over-limit traffic never reaches the
// reducer.
type tokenBucket struct {
	capacity float64
	tokens   float64
	rate     float64 // tokens per second
	last     time.Time
}

func newTokenBucket(perSecond int) *tokenBucket {
	c := float64(perSecond)
	return &tokenBucket{capacity: c, tokens: c, rate: c, last: time.Now()}
}

func (b *tokenBucket) allow() bool {
	return b.allowAt(time.Now())
}

func (b *tokenBucket) allowAt(now time.Time) bool {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
