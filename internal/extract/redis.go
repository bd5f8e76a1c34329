package extract

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "propflow:extract:"

// RedisL2 backs the in-memory cache with Redis so extractions survive a
// process restart. Failures degrade to cache misses; they never fail an
// extraction.
type RedisL2 struct {
	client *redis.Client
}

// NewRedisL2 wraps an existing Redis client as the second cache tier.
func NewRedisL2(client *redis.Client) *RedisL2 {
	return &RedisL2{client: client}
}

func (r *RedisL2) Get(ctx context.Context, key string) (*Result, bool) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		r.client.Del(ctx, redisKeyPrefix+key)
		return nil, false
	}
	return &res, true
}

func (r *RedisL2) Set(ctx context.Context, key string, res *Result, ttl time.Duration) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("extraction cache L2 write failed")
	}
}
