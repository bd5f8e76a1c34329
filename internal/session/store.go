// Package session persists browser session artifacts (cookies, local
// storage) per (site, identity) so the scraper can reuse warmed sessions
// across fetches and runs.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Load when no valid session exists for the
// (site, identity) pair. Expired sessions report the same error.
var ErrNotFound = errors.New("session: not found")

// Cookie mirrors the browser cookie fields the scraper restores.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"http_only"`
}

// Artifacts is the opaque session payload. Callers round-trip it without
// inspecting the contents.
type Artifacts struct {
	Cookies      []Cookie          `json:"cookies"`
	LocalStorage map[string]string `json:"local_storage,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
}

// Store persists session artifacts keyed by (site, identity).
type Store interface {
	Load(ctx context.Context, site, identity string) (*Artifacts, error)
	Save(ctx context.Context, site, identity string, a *Artifacts) error
	Invalidate(ctx context.Context, site, identity string) error
}

// envelope wraps artifacts with the save timestamp used for expiry.
type envelope struct {
	Artifacts *Artifacts `json:"artifacts"`
	SavedAt   time.Time  `json:"saved_at"`
}

func sessionKey(site, identity string) string {
	return "propflow:session:" + site + ":" + identity
}

// MemoryStore keeps sessions in process memory. Used by tests and
// single-process runs without Redis.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]envelope
	maxAge time.Duration
	now    func() time.Time
}

// NewMemoryStore builds an in-memory store with the given max session age.
func NewMemoryStore(maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]envelope),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// WithMemoryClock injects a time source for tests.
func (m *MemoryStore) WithMemoryClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Load(_ context.Context, site, identity string) (*Artifacts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(site, identity)
	env, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if m.now().Sub(env.SavedAt) > m.maxAge {
		delete(m.data, key)
		return nil, ErrNotFound
	}
	return env.Artifacts, nil
}

func (m *MemoryStore) Save(_ context.Context, site, identity string, a *Artifacts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[sessionKey(site, identity)] = envelope{Artifacts: a, SavedAt: m.now()}
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, site, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, sessionKey(site, identity))
	return nil
}
