package gateway

import (
	"sync"
	"time"
)

// tokenBucket is the per-connection message/byte limiter. Not safe for
// concurrent use; each connection's reader owns its buckets.
type tokenBucket struct {
	capacity float64
	tokens   float64
	perSec   float64
	last     time.Time
	now      func() time.Time
}

func newTokenBucket(perSec int) *tokenBucket {
	b := &tokenBucket{
		capacity: float64(perSec),
		tokens:   float64(perSec),
		perSec:   float64(perSec),
		now:      time.Now,
	}
	b.last = b.now()
	return b
}

func (b *tokenBucket) allow(n float64) bool {
	now := b.now()
	b.tokens += now.Sub(b.last).Seconds() * b.perSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// connLimiter bounds new connections per remote address per minute.
type connLimiter struct {
	mu     sync.Mutex
	perMin int
	seen   map[string][]time.Time
	now    func() time.Time
}

func newConnLimiter(perMin int) *connLimiter {
	return &connLimiter{perMin: perMin, seen: make(map[string][]time.Time), now: time.Now}
}

func (l *connLimiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-time.Minute)
	recent := l.seen[addr][:0]
	for _, t := range l.seen[addr] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.perMin {
		l.seen[addr] = recent
		return false
	}
	l.seen[addr] = append(recent, now)
	return true
}
