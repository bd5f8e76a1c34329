// Package supervise is the cross-cutting error-handling facility: typed
// retry policy, per-resource circuit breakers, and the dead-letter queue.
// It owns no application state; components hold a *Supervisor by reference.
package supervise

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/phxdata/propflow/internal/errs"
)

// BreakerConfig tunes one logical resource's circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures that trip the breaker
	Window           time.Duration // counting window while closed
	Cooldown         time.Duration // base open duration; doubles on re-open, capped at 10x
}

// DefaultBreakerConfig matches the upstreams this system talks to.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// resourceBreaker pairs a gobreaker with the exponential-cooldown extension
// gobreaker does not provide: each half-open probe failure doubles the
// effective cooldown, capped at 10x the base, by holding calls back past
// gobreaker's own fixed timeout.
type resourceBreaker struct {
	resource string
	cb       *gobreaker.CircuitBreaker
	cfg      BreakerConfig

	mu        sync.Mutex
	reopens   int
	openUntil time.Time
	now       func() time.Time
}

// Execute runs fn under the breaker. When the circuit is open the call
// fails immediately with kind rate_limit and fn is never invoked.
func (rb *resourceBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	rb.mu.Lock()
	blocked := rb.now().Before(rb.openUntil)
	rb.mu.Unlock()
	if blocked {
		return nil, errs.E(errs.KindRateLimit, rb.resource, "service unavailable: circuit open")
	}

	out, err := rb.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.Wrap(errs.KindRateLimit, rb.resource, "service unavailable: circuit open", err)
		}
		return nil, err
	}
	return out, nil
}

// State exposes the breaker state for health reporting.
func (rb *resourceBreaker) State() gobreaker.State {
	rb.mu.Lock()
	blocked := rb.now().Before(rb.openUntil)
	rb.mu.Unlock()
	if blocked {
		return gobreaker.StateOpen
	}
	return rb.cb.State()
}

// onStateChange tracks re-opens to grow the cooldown. A half-open probe
// failure re-opens the circuit; success resets the progression.
func (rb *resourceBreaker) onStateChange(from, to gobreaker.State) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	switch {
	case to == gobreaker.StateOpen && from == gobreaker.StateHalfOpen:
		rb.reopens++
		cooldown := rb.cfg.Cooldown << rb.reopens
		if max := 10 * rb.cfg.Cooldown; cooldown > max {
			cooldown = max
		}
		rb.openUntil = rb.now().Add(cooldown)
		log.Warn().Str("resource", rb.resource).Dur("cooldown", cooldown).
			Msg("circuit re-opened, cooldown extended")
	case to == gobreaker.StateOpen:
		rb.reopens = 0
		rb.openUntil = time.Time{}
		log.Warn().Str("resource", rb.resource).Msg("circuit opened")
	case to == gobreaker.StateClosed:
		rb.reopens = 0
		rb.openUntil = time.Time{}
		log.Info().Str("resource", rb.resource).Msg("circuit closed")
	}
}

// BreakerRegistry holds one breaker per logical resource ("llm",
// "assessor_api", "phoenix_mls"), created on first use.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*resourceBreaker
	cfg      BreakerConfig
	now      func() time.Time
}

// NewBreakerRegistry builds a registry applying cfg to every resource.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*resourceBreaker),
		cfg:      cfg.normalized(),
		now:      time.Now,
	}
}

// WithClock injects a time source for tests.
func (r *BreakerRegistry) WithClock(now func() time.Time) *BreakerRegistry {
	r.now = now
	return r
}

// For returns the breaker for a resource, creating it on first use.
func (r *BreakerRegistry) For(resource string) *resourceBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rb, ok := r.breakers[resource]; ok {
		return rb
	}

	rb := &resourceBreaker{resource: resource, cfg: r.cfg, now: r.now}
	rb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        resource,
		MaxRequests: 1, // half-open admits a single probe
		Interval:    r.cfg.Window,
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			rb.onStateChange(from, to)
		},
	})
	r.breakers[resource] = rb
	return rb
}

// Execute runs fn under the named resource's breaker.
func (r *BreakerRegistry) Execute(resource string, fn func() (interface{}, error)) (interface{}, error) {
	return r.For(resource).Execute(fn)
}

// States snapshots every known breaker for health endpoints.
func (r *BreakerRegistry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for name, rb := range r.breakers {
		out[name] = rb.State().String()
	}
	return out
}
