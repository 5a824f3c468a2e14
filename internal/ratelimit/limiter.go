package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCapacity   = errors.New("capacity must be positive")
	ErrInvalidRefillRate = errors.New("refill rate must be positive")
	ErrUnknownPolicy     = errors.New("unknown policy")
	ErrDuplicatePolicy   = errors.New("duplicate policy")
)

// Policy is the fixed (capacity, refill rate) pair of one class of traffic.
// Build it with NewPolicy so invalid values never reach a limiter.
type Policy struct {
	ID         string
	Capacity   float64 // max tokens a bucket holds
	RefillRate float64 // tokens added per elapsed second
}

func NewPolicy(id string, capacity, refillRate float64) (Policy, error) {
	p := Policy{ID: id, Capacity: capacity, RefillRate: refillRate}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects non-positive (and NaN) capacity or refill rate.
func (p Policy) Validate() error {
	if !(p.Capacity > 0) {
		return fmt.Errorf("policy %q: %w (got %v)", p.ID, ErrInvalidCapacity, p.Capacity)
	}
	if !(p.RefillRate > 0) {
		return fmt.Errorf("policy %q: %w (got %v)", p.ID, ErrInvalidRefillRate, p.RefillRate)
	}
	return nil
}

type Decision struct {
	Allowed   bool
	Limit     float64 // policy capacity
	Remaining int     // whole tokens left after this request (min 0)
	Reset     int64   // seconds until the bucket would be full again
}

// Stats is the read-only observability view over all buckets.
type Stats struct {
	TotalClients    int      `json:"totalClients"`
	BlockedRequests int64    `json:"blockedRequests"`
	Clients         []string `json:"clients"`
}

// Limiter decides admission for one policy. Implementations must be safe
// for concurrent use.
type Limiter interface {
	Allow(key string, now time.Time) Decision
	Policy() Policy
}

// Provider resolves the limiter serving a policy id.
type Provider interface {
	Limiter(policyID string) (Limiter, bool)
}
