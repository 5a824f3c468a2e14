package memory

import (
	"slices"
	"sync"
	"time"
)

// Bucket is one client's token reservoir. All fields are guarded by mu.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
	evicted    bool
}

// Tokens returns the current token count without refilling.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

func (b *Bucket) LastRefill() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefill
}

type Snapshot struct {
	Count int
	Keys  []string
}

// Store maps client keys to buckets. Buckets are created lazily and only
// removed by EvictIdle.
type Store struct {
	buckets sync.Map // string -> *Bucket
}

func NewStore() *Store {
	return &Store{}
}

// GetOrCreate returns the bucket for key, creating it full when absent.
// Concurrent callers for a new key all observe the same bucket.
func (s *Store) GetOrCreate(key string, capacity float64, now time.Time) *Bucket {
	if v, ok := s.buckets.Load(key); ok {
		return v.(*Bucket)
	}
	v, _ := s.buckets.LoadOrStore(key, &Bucket{
		tokens:     capacity,
		lastRefill: now,
		lastSeen:   now,
	})
	return v.(*Bucket)
}

// Snapshot lists the known keys in sorted order.
func (s *Store) Snapshot() Snapshot {
	var keys []string
	s.buckets.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	slices.Sort(keys)
	return Snapshot{Count: len(keys), Keys: keys}
}

// EvictIdle drops buckets not used for longer than idle and returns how
// many were removed. A caller still holding an evicted bucket sees
// evicted=true under the bucket lock and must fetch a fresh one.
func (s *Store) EvictIdle(now time.Time, idle time.Duration) int {
	removed := 0
	s.buckets.Range(func(k, v any) bool {
		b := v.(*Bucket)
		b.mu.Lock()
		if now.Sub(b.lastSeen) > idle {
			b.evicted = true
			if s.buckets.CompareAndDelete(k, b) {
				removed++
			}
		}
		b.mu.Unlock()
		return true
	})
	return removed
}
