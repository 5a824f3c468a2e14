package memory

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

// Limiter applies one policy to its own bucket store. Denials bump a
// counter that may be shared with other limiters.
type Limiter struct {
	policy  ratelimit.Policy
	store   *Store
	blocked *atomic.Int64
}

// New builds a limiter with its own store. A nil blocked counter gets a
// private one.
func New(p ratelimit.Policy, blocked *atomic.Int64) (*Limiter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if blocked == nil {
		blocked = new(atomic.Int64)
	}
	return &Limiter{policy: p, store: NewStore(), blocked: blocked}, nil
}

func (l *Limiter) Policy() ratelimit.Policy { return l.policy }

func (l *Limiter) Store() *Store { return l.store }

func (l *Limiter) Blocked() int64 { return l.blocked.Load() }

func (l *Limiter) Allow(key string, now time.Time) ratelimit.Decision {
	capacity := l.policy.Capacity
	rate := l.policy.RefillRate

	for {
		b := l.store.GetOrCreate(key, capacity, now)

		b.mu.Lock()
		if b.evicted {
			b.mu.Unlock()
			continue
		}
		if now.After(b.lastSeen) {
			b.lastSeen = now
		}

		// whole tokens only; the unrefilled fraction stays in the clock
		elapsed := now.Sub(b.lastRefill).Seconds()
		if add := math.Floor(elapsed * rate); add > 0 {
			b.tokens = math.Min(b.tokens+add, capacity)
			b.lastRefill = now
		}

		remaining := int(math.Floor(b.tokens))
		dec := ratelimit.Decision{
			Limit: capacity,
			Reset: int64(math.Ceil((capacity - b.tokens) / rate)),
		}

		if b.tokens > 0 {
			b.tokens = math.Max(b.tokens-1, 0)
			dec.Allowed = true
			dec.Remaining = max(remaining-1, 0)
		} else {
			l.blocked.Add(1)
		}
		b.mu.Unlock()

		return dec
	}
}
