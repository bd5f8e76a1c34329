package extract

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheTTLExpiry(t *testing.T) {
	now := time.Now()
	cache := NewCache(CacheConfig{TTL: time.Minute, MaxEntries: 10}, nil).
		WithClock(func() time.Time { return now })

	cache.Put("k", &Result{Street: "1 Elm St", Method: MethodLLM})

	_, ok := cache.Get(context.Background(), "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get(context.Background(), "k")
	assert.False(t, ok, "expired entry must miss")
}

func TestCacheEvictsLRUAtEntryBound(t *testing.T) {
	now := time.Now()
	cache := NewCache(CacheConfig{TTL: time.Hour, MaxEntries: 3, MaxBytes: 1 << 20}, nil).
		WithClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		cache.Put(fmt.Sprintf("k%d", i), &Result{SquareFeet: i})
		now = now.Add(time.Second)
	}
	// Touch k0 so k1 becomes least recently used.
	_, ok := cache.Get(context.Background(), "k0")
	require.True(t, ok)
	now = now.Add(time.Second)

	cache.Put("k3", &Result{SquareFeet: 3})

	_, ok = cache.Get(context.Background(), "k1")
	assert.False(t, ok, "LRU entry should have been evicted")
	_, ok = cache.Get(context.Background(), "k0")
	assert.True(t, ok)
	_, ok = cache.Get(context.Background(), "k3")
	assert.True(t, ok)
}

func TestCacheByteBound(t *testing.T) {
	cache := NewCache(CacheConfig{TTL: time.Hour, MaxEntries: 1000, MaxBytes: 200}, nil)

	for i := 0; i < 10; i++ {
		cache.Put(fmt.Sprintf("k%d", i), &Result{Street: "123 Some Fairly Long Street Name", Method: MethodLLM})
	}

	stats := cache.Stats()
	assert.LessOrEqual(t, stats.Bytes, int64(200))
	assert.Greater(t, stats.Evictions, int64(0))
}

func TestCacheGetOrComputeErrorNotCached(t *testing.T) {
	cache := NewCache(CacheConfig{TTL: time.Hour}, nil)
	calls := 0

	compute := func(ctx context.Context) (*Result, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("transient")
		}
		return &Result{Street: "1 Elm St"}, nil
	}

	_, _, err := cache.GetOrCompute(context.Background(), "k", compute)
	require.Error(t, err)

	res, _, err := cache.GetOrCompute(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.Equal(t, "1 Elm St", res.Street)
	assert.Equal(t, 2, calls)
}

func TestRedisL2RoundTrip(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l2 := NewRedisL2(client)
	res := &Result{Street: "789 Oak Street", Price: 425000, Method: MethodLLM, Confidence: 0.9}

	data := `{"street":"789 Oak Street","price":425000,"method":"llm","confidence":0.9}`
	mock.ExpectSet(redisKeyPrefix+"k", []byte(data), time.Hour).SetVal("OK")
	mock.ExpectGet(redisKeyPrefix + "k").SetVal(data)

	l2.Set(context.Background(), "k", res, time.Hour)
	got, ok := l2.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, res.Street, got.Street)
	assert.Equal(t, res.Price, got.Price)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisL2MissOnError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l2 := NewRedisL2(client)

	mock.ExpectGet(redisKeyPrefix + "absent").RedisNil()
	_, ok := l2.Get(context.Background(), "absent")
	assert.False(t, ok)
}
