package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

// Registry owns one Limiter per policy id and the process-wide blocked
// counter they share. The same client key gets an independent bucket under
// each policy.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	blocked  atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Register validates p and adds a limiter for it.
func (r *Registry) Register(p ratelimit.Policy) (*Limiter, error) {
	lim, err := New(p, &r.blocked)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.limiters[p.ID]; ok {
		return nil, fmt.Errorf("%w: %q", ratelimit.ErrDuplicatePolicy, p.ID)
	}
	r.limiters[p.ID] = lim
	return lim, nil
}

// Limiter implements ratelimit.Provider.
func (r *Registry) Limiter(policyID string) (ratelimit.Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lim, ok := r.limiters[policyID]
	if !ok {
		return nil, false
	}
	return lim, true
}

func (r *Registry) Blocked() int64 { return r.blocked.Load() }

// Stats merges the client keys of every policy store, deduplicated and
// sorted, with the blocked counter.
func (r *Registry) Stats() ratelimit.Stats {
	seen := make(map[string]struct{})
	for _, lim := range r.all() {
		for _, k := range lim.store.Snapshot().Keys {
			seen[k] = struct{}{}
		}
	}

	clients := make([]string, 0, len(seen))
	for k := range seen {
		clients = append(clients, k)
	}
	slices.Sort(clients)

	return ratelimit.Stats{
		TotalClients:    len(clients),
		BlockedRequests: r.blocked.Load(),
		Clients:         clients,
	}
}

// EvictIdle sweeps every policy store.
func (r *Registry) EvictIdle(now time.Time, idle time.Duration) int {
	removed := 0
	for _, lim := range r.all() {
		removed += lim.store.EvictIdle(now, idle)
	}
	return removed
}

// StartJanitor evicts idle buckets every interval until ctx is done.
// Non-positive interval or idle disables it.
func (r *Registry) StartJanitor(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}

	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := r.EvictIdle(time.Now(), idle); n > 0 {
					zerolog.Ctx(ctx).Debug().Int("evicted", n).Msg("idle buckets removed")
				}
			}
		}
	}()
}

func (r *Registry) all() []*Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Limiter, 0, len(r.limiters))
	for _, lim := range r.limiters {
		out = append(out, lim)
	}
	return out
}
