// Package ratelimit provides the per-source sliding-window admission
// controller that fronts every upstream call.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config describes one source's admission budget. The effective limit is
// the configured limit reduced by the safety margin.
type Config struct {
	RequestsPerWindow int
	Window            time.Duration
	SafetyMargin      float64 // [0,1)
}

// EffectiveLimit returns floor(requests_per_window * (1 - safety_margin)).
func (c Config) EffectiveLimit() int {
	if c.RequestsPerWindow <= 0 {
		return 0
	}
	return int(float64(c.RequestsPerWindow) * (1 - c.SafetyMargin))
}

func (c Config) normalized() Config {
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.SafetyMargin < 0 || c.SafetyMargin >= 1 {
		c.SafetyMargin = 0
	}
	return c
}

// Usage is a read-only snapshot of one source's window.
type Usage struct {
	Source string
	Count  int // admissions inside the current window
	Limit  int // effective limit
	Window time.Duration
}

// Limiter admits requests per source under a sliding window. Safe for
// concurrent use; the mutex is held only for the admission decision and
// the (non-blocking) observer publish, keeping event order equal to
// admission order.
type Limiter struct {
	mu       sync.Mutex
	configs  map[string]Config
	fallback Config
	history  map[string][]time.Time
	now      func() time.Time

	obsMu     sync.RWMutex
	observers []*observerWorker
	closed    bool
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter builds a limiter with per-source configs. Sources without an
// entry fall back to the default config.
func NewLimiter(configs map[string]Config, fallback Config, opts ...Option) *Limiter {
	l := &Limiter{
		configs:  make(map[string]Config, len(configs)),
		fallback: fallback.normalized(),
		history:  make(map[string][]time.Time),
		now:      time.Now,
	}
	for source, cfg := range configs {
		l.configs[source] = cfg.normalized()
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) configFor(source string) Config {
	if cfg, ok := l.configs[source]; ok {
		return cfg
	}
	return l.fallback
}

// WaitIfNeeded admits the request when the source's window has room,
// recording the admission and returning 0. When the window is full it
// returns how long until the oldest in-window admission ages out; the
// caller sleeps and retries. The decision itself never blocks.
func (l *Limiter) WaitIfNeeded(ctx context.Context, source string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cfg := l.configFor(source)
	limit := cfg.EffectiveLimit()
	hist := l.pruneLocked(source, now, cfg.Window)

	if limit <= 0 {
		// Degenerate config: nothing is ever admitted.
		l.publishLocked(event{kind: eventHit, source: source, wait: cfg.Window})
		return cfg.Window, nil
	}

	if len(hist) < limit {
		l.history[source] = append(hist, now)
		l.publishLocked(event{kind: eventRequest, source: source, ts: now})
		return 0, nil
	}

	wait := hist[0].Add(cfg.Window).Sub(now)
	log.Debug().Str("source", source).Dur("wait", wait).Int("in_window", len(hist)).
		Msg("rate limit window full")
	l.publishLocked(event{kind: eventHit, source: source, wait: wait})
	return wait, nil
}

// Acquire blocks until the source admits a request or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, source string) error {
	for {
		wait, err := l.WaitIfNeeded(ctx, source)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// CurrentUsage snapshots one source's window.
func (l *Limiter) CurrentUsage(source string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cfg := l.configFor(source)
	hist := l.pruneLocked(source, now, cfg.Window)
	return Usage{Source: source, Count: len(hist), Limit: cfg.EffectiveLimit(), Window: cfg.Window}
}

// UsageSnapshot snapshots every source seen so far.
func (l *Limiter) UsageSnapshot() map[string]Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make(map[string]Usage, len(l.history))
	for source := range l.history {
		cfg := l.configFor(source)
		hist := l.pruneLocked(source, now, cfg.Window)
		out[source] = Usage{Source: source, Count: len(hist), Limit: cfg.EffectiveLimit(), Window: cfg.Window}
	}
	return out
}

// ReportUpstreamLimit records a throttle observed at the upstream itself
// (a 429 or an in-page rate-limit marker) rather than at the local window,
// so observers see upstream pushback alongside local admission decisions.
func (l *Limiter) ReportUpstreamLimit(source string, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishLocked(event{kind: eventHit, source: source, wait: wait})
}

// Reset clears a source's admission history and notifies observers.
func (l *Limiter) Reset(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.history, source)
	l.publishLocked(event{kind: eventReset, source: source})
	log.Info().Str("source", source).Msg("rate limit history reset")
}

// pruneLocked drops timestamps that have aged out of the window and
// returns the surviving slice. Caller holds l.mu.
func (l *Limiter) pruneLocked(source string, now time.Time, window time.Duration) []time.Time {
	hist := l.history[source]
	cutoff := now.Add(-window)
	keep := 0
	for keep < len(hist) && !hist[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		hist = append(hist[:0], hist[keep:]...)
		l.history[source] = hist
	}
	return hist
}
