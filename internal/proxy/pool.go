// Package proxy maintains the rotating pool of upstream egress identities
// used by the scraper. Identities are scored from observed outcomes and
// demoted through healthy → probation → banned as failures accumulate.
package proxy

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// State is an identity's health tier.
type State string

const (
	StateHealthy   State = "healthy"
	StateProbation State = "probation"
	StateBanned    State = "banned"
)

// ErrNoIdentities is returned by Acquire when every identity is banned or
// the pool is empty.
var ErrNoIdentities = errors.New("proxy pool: no usable identities")

// Identity is a read-only snapshot of one pool member.
type Identity struct {
	URL   string
	State State
	Score float64
}

// entry is the mutable record behind an identity. Its own mutex guards
// score and state so updates never serialize the whole pool.
type entry struct {
	mu          sync.Mutex
	url         string
	state       State
	score       float64
	consecFails int
	streak      int
	bannedUntil time.Time
}

// Pool rotates identities round-robin within the best available tier.
type Pool struct {
	mu        sync.RWMutex
	entries   []*entry
	threshold int
	cooldown  time.Duration
	rr        uint64
	now       func() time.Time
}

// promoteStreak successes in probation restore an identity to healthy.
const promoteStreak = 2

// Option customizes a Pool.
type Option func(*Pool)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool builds a pool over the given proxy URLs. threshold is the
// consecutive-failure count that demotes an identity; cooldown is how long
// a ban lasts.
func NewPool(proxies []string, threshold int, cooldown time.Duration, opts ...Option) *Pool {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	p := &Pool{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, u := range proxies {
		p.entries = append(p.entries, &entry{url: u, state: StateHealthy, score: 1.0})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the next identity from the best tier: round-robin over
// healthy identities, falling back to probation when none are healthy.
func (p *Pool) Acquire() (Identity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.entries)
	if n == 0 {
		return Identity{}, ErrNoIdentities
	}

	start := int(atomic.AddUint64(&p.rr, 1)) % n
	now := p.now()

	var probation *entry
	for i := 0; i < n; i++ {
		e := p.entries[(start+i)%n]
		switch e.tier(now) {
		case StateHealthy:
			return e.snapshot(), nil
		case StateProbation:
			if probation == nil {
				probation = e
			}
		}
	}
	if probation != nil {
		return probation.snapshot(), nil
	}
	return Identity{}, ErrNoIdentities
}

// Report records the outcome of using an identity and applies tier
// transitions: threshold consecutive failures demote healthy → probation,
// a further failure bans for the cooldown, and sustained success promotes
// back to healthy.
func (p *Pool) Report(identityURL string, success bool) {
	p.mu.RLock()
	e := p.find(identityURL)
	p.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if success {
		e.score = e.score*0.9 + 0.1
		e.consecFails = 0
		e.streak++
		if e.state == StateProbation && e.streak >= promoteStreak {
			e.state = StateHealthy
			log.Info().Str("proxy", e.url).Msg("proxy identity promoted to healthy")
		}
		return
	}

	e.score *= 0.9
	e.streak = 0
	e.consecFails++

	switch e.state {
	case StateHealthy:
		if e.consecFails >= p.threshold {
			e.state = StateProbation
			e.consecFails = 0
			log.Warn().Str("proxy", e.url).Msg("proxy identity moved to probation")
		}
	case StateProbation:
		e.state = StateBanned
		e.bannedUntil = p.now().Add(p.cooldown)
		e.consecFails = 0
		log.Warn().Str("proxy", e.url).Time("until", e.bannedUntil).Msg("proxy identity banned")
	}
}

// Snapshot returns the current tier and score of every identity.
func (p *Pool) Snapshot() []Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	out := make([]Identity, 0, len(p.entries))
	for _, e := range p.entries {
		e.mu.Lock()
		e.reviveLocked(now)
		out = append(out, Identity{URL: e.url, State: e.state, Score: e.score})
		e.mu.Unlock()
	}
	return out
}

// Size returns the number of identities in the pool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *Pool) find(url string) *entry {
	for _, e := range p.entries {
		if e.url == url {
			return e
		}
	}
	return nil
}

// tier reads the entry's effective tier, reviving expired bans.
func (e *entry) tier(now time.Time) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reviveLocked(now)
	return e.state
}

// reviveLocked moves an expired ban back to probation. Caller holds e.mu.
func (e *entry) reviveLocked(now time.Time) {
	if e.state == StateBanned && now.After(e.bannedUntil) {
		e.state = StateProbation
		e.consecFails = 0
		e.streak = 0
	}
}

func (e *entry) snapshot() Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Identity{URL: e.url, State: e.state, Score: e.score}
}
