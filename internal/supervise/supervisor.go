package supervise

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phxdata/propflow/internal/errs"
)

// RetryPolicy maps error kinds to backoff sequences. A kind missing from
// Delays is non-retryable. The sequence length bounds the retries for that
// kind; MaxAttempts bounds the total including the first try.
type RetryPolicy struct {
	Delays      map[errs.Kind][]time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy mirrors the per-kind schedule the upstreams tolerate.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays: map[errs.Kind][]time.Duration{
			errs.KindNetwork:   {1 * time.Second, 2 * time.Second, 4 * time.Second},
			errs.KindTimeout:   {2 * time.Second, 4 * time.Second, 8 * time.Second},
			errs.KindRateLimit: {5 * time.Second, 15 * time.Second, 30 * time.Second},
		},
		MaxAttempts: 4,
	}
}

// Validate rejects policies no component could run under.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errs.E(errs.KindValidation, "retry_policy", "max attempts must be at least 1")
	}
	for kind, delays := range p.Delays {
		if !kind.Retryable() {
			return errs.Ef(errs.KindValidation, "retry_policy", "kind %s is non-retryable and cannot carry delays", kind)
		}
		for _, d := range delays {
			if d < 0 {
				return errs.Ef(errs.KindValidation, "retry_policy", "kind %s has a negative delay", kind)
			}
		}
	}
	return nil
}

// delayFor returns the wait before retry number n (1-based), or false when
// the kind's schedule is exhausted or the kind is non-retryable. An
// upstream Retry-After hint overrides the schedule for rate limits.
func (p RetryPolicy) delayFor(err error, n int) (time.Duration, bool) {
	kind := errs.KindOf(err)
	delays, ok := p.Delays[kind]
	if !ok || !kind.Retryable() {
		return 0, false
	}
	if n > len(delays) {
		return 0, false
	}
	if kind == errs.KindRateLimit {
		if hint, ok := errs.RetryAfterHint(err); ok {
			return hint, true
		}
	}
	return delays[n-1], true
}

// Supervisor applies the retry policy and circuit breakers to work, and
// dead-letters what cannot be completed.
type Supervisor struct {
	policy   RetryPolicy
	breakers *BreakerRegistry
	dlq      DeadLetters
	sleep    func(context.Context, time.Duration) error
}

// NewSupervisor wires policy, breakers, and DLQ. dlq may be nil when the
// caller handles dead-lettering itself.
func NewSupervisor(policy RetryPolicy, breakers *BreakerRegistry, dlq DeadLetters) *Supervisor {
	return &Supervisor{
		policy:   policy,
		breakers: breakers,
		dlq:      dlq,
		sleep:    sleepCtx,
	}
}

// WithSleep injects the retry wait for tests.
func (s *Supervisor) WithSleep(sleep func(context.Context, time.Duration) error) *Supervisor {
	s.sleep = sleep
	return s
}

// Policy returns the active retry policy.
func (s *Supervisor) Policy() RetryPolicy {
	return s.policy
}

// Breakers exposes the registry for components that guard calls directly.
func (s *Supervisor) Breakers() *BreakerRegistry {
	return s.breakers
}

// DLQ exposes the dead-letter store, nil when none is attached.
func (s *Supervisor) DLQ() DeadLetters {
	return s.dlq
}

// Do runs fn under the resource's breaker with the typed retry policy.
// Retryable failures wait out their per-kind schedule; non-retryable kinds
// and exhausted budgets return the last error.
func (s *Supervisor) Do(ctx context.Context, resource string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := s.breakers.Execute(resource, func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		delay, retry := s.policy.delayFor(err, attempt)
		if !retry {
			return lastErr
		}
		log.Debug().Str("resource", resource).Int("attempt", attempt).
			Dur("delay", delay).Str("kind", string(errs.KindOf(err))).
			Msg("retrying after failure")
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// DoOrDeadLetter runs fn under Do and appends a sanitized dead letter when
// the work fails terminally. The original error is returned either way.
func (s *Supervisor) DoOrDeadLetter(ctx context.Context, resource, component, source string, payload json.RawMessage, fn func(context.Context) error) error {
	started := time.Now().UTC()
	err := s.Do(ctx, resource, fn)
	if err == nil || s.dlq == nil {
		return err
	}

	item := NewDeadLetterItem(source, component, err, payload, s.policy.MaxAttempts, started)
	if dlqErr := s.dlq.Enqueue(ctx, item); dlqErr != nil {
		log.Error().Err(dlqErr).Str("component", component).Msg("dead letter enqueue failed")
	} else {
		log.Warn().Str("component", component).Str("kind", item.ErrorKind).
			Str("correlation_id", item.CorrelationID).Msg("work item dead-lettered")
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
