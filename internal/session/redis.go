package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStore persists sessions in Redis with the max age as both a logical
// expiry (checked on load) and the key TTL.
type RedisStore struct {
	client *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client, maxAge time.Duration) *RedisStore {
	return &RedisStore{client: client, maxAge: maxAge, now: time.Now}
}

// WithClock injects a time source for tests.
func (r *RedisStore) WithClock(now func() time.Time) *RedisStore {
	r.now = now
	return r
}

// NewRedisClient builds a Redis client with the pool and retry settings
// the rest of the system assumes.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})
}

func (r *RedisStore) Load(ctx context.Context, site, identity string) (*Artifacts, error) {
	key := sessionKey(site, identity)

	raw, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session load %s: %w", site, err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// A corrupt session is worthless; drop it.
		r.client.Del(ctx, key)
		return nil, ErrNotFound
	}

	if r.now().Sub(env.SavedAt) > r.maxAge {
		r.client.Del(ctx, key)
		log.Debug().Str("site", site).Msg("session expired on load")
		return nil, ErrNotFound
	}
	return env.Artifacts, nil
}

func (r *RedisStore) Save(ctx context.Context, site, identity string, a *Artifacts) error {
	env := envelope{Artifacts: a, SavedAt: r.now()}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("session save %s: %w", site, err)
	}
	if err := r.client.Set(ctx, sessionKey(site, identity), data, r.maxAge).Err(); err != nil {
		return fmt.Errorf("session save %s: %w", site, err)
	}
	return nil
}

func (r *RedisStore) Invalidate(ctx context.Context, site, identity string) error {
	if err := r.client.Del(ctx, sessionKey(site, identity)).Err(); err != nil {
		return fmt.Errorf("session invalidate %s: %w", site, err)
	}
	return nil
}
