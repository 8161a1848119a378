package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/workdeck/types"
)

func cachedResponse(content string) *ChatResponse {
	return &ChatResponse{
		Model: "mock-model",
		Choices: []ChatChoice{{
			FinishReason: "stop",
			Message:      types.Message{Role: types.RoleAssistant, Content: content},
		}},
		Usage: ChatUsage{TotalTokens: 5},
	}
}

func cacheRequest(prompt string) *ChatRequest {
	return &ChatRequest{
		Model:    "mock-model",
		Messages: []types.Message{{Role: types.RoleUser, Content: prompt}},
	}
}

func TestCacheKeyStability(t *testing.T) {
	t.Parallel()

	k1 := Key(cacheRequest("hello"))
	k2 := Key(cacheRequest("hello"))
	k3 := Key(cacheRequest("other"))
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)

	withTools := cacheRequest("hello")
	withTools.Tools = []types.ToolSchema{{Name: "read_file"}}
	assert.NotEqual(t, k1, Key(withTools), "tool set must be part of the key")
}

func TestCacheLocalRoundTrip(t *testing.T) {
	t.Parallel()
	cache := NewCompletionCache(nil, nil, nil)
	ctx := context.Background()

	key := Key(cacheRequest("q"))
	_, err := cache.Get(ctx, key)
	require.ErrorIs(t, err, ErrCacheMiss)

	cache.Put(ctx, key, cachedResponse("answer"))
	got, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "answer", got.Choices[0].Message.Content)
}

func TestCacheLocalLRUEviction(t *testing.T) {
	t.Parallel()
	cache := NewCompletionCache(nil, &CacheConfig{
		LocalMaxSize: 2,
		LocalTTL:     time.Minute,
		RedisTTL:     time.Hour,
		EnableLocal:  true,
	}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cache.Put(ctx, fmt.Sprintf("key-%d", i), cachedResponse(fmt.Sprintf("v%d", i)))
	}

	// Oldest entry falls out, the two most recent stay.
	_, err := cache.Get(ctx, "key-0")
	assert.ErrorIs(t, err, ErrCacheMiss)
	for _, k := range []string{"key-1", "key-2"} {
		_, err := cache.Get(ctx, k)
		assert.NoError(t, err, k)
	}
}

func TestCacheLocalTTLExpiry(t *testing.T) {
	t.Parallel()
	cache := NewCompletionCache(nil, &CacheConfig{
		LocalMaxSize: 8,
		LocalTTL:     10 * time.Millisecond,
		RedisTTL:     time.Hour,
		EnableLocal:  true,
	}, nil)
	ctx := context.Background()

	cache.Put(ctx, "k", cachedResponse("v"))
	time.Sleep(30 * time.Millisecond)
	_, err := cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

type countingCacheMetrics struct {
	hits   int
	misses int
}

func (m *countingCacheMetrics) CacheHit()  { m.hits++ }
func (m *countingCacheMetrics) CacheMiss() { m.misses++ }

func TestCacheMetricsCountHitsAndMisses(t *testing.T) {
	t.Parallel()
	rec := &countingCacheMetrics{}
	cache := NewCompletionCache(nil, nil, nil).WithMetrics(rec)
	ctx := context.Background()

	key := Key(cacheRequest("instrumented"))
	_, err := cache.Get(ctx, key)
	require.ErrorIs(t, err, ErrCacheMiss)

	cache.Put(ctx, key, cachedResponse("answer"))
	_, err = cache.Get(ctx, key)
	require.NoError(t, err)
	_, err = cache.Get(ctx, key)
	require.NoError(t, err)

	assert.Equal(t, 2, rec.hits)
	assert.Equal(t, 1, rec.misses)
}

func TestCacheRedisRoundTrip(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := NewCompletionCache(rdb, &CacheConfig{
		RedisTTL:    time.Hour,
		EnableRedis: true,
	}, nil)
	ctx := context.Background()

	key := Key(cacheRequest("redis q"))
	_, err := cache.Get(ctx, key)
	require.ErrorIs(t, err, ErrCacheMiss)

	cache.Put(ctx, key, cachedResponse("from redis"))
	got, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "from redis", got.Choices[0].Message.Content)

	// Expired entries are treated as misses even while the key lingers.
	mr.FastForward(2 * time.Hour)
	_, err = cache.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCacheRedisBackfillsLocal(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	writer := NewCompletionCache(rdb, &CacheConfig{
		RedisTTL:    time.Hour,
		EnableRedis: true,
	}, nil)
	reader := NewCompletionCache(rdb, &CacheConfig{
		LocalMaxSize: 8,
		LocalTTL:     time.Minute,
		RedisTTL:     time.Hour,
		EnableLocal:  true,
		EnableRedis:  true,
	}, nil)
	ctx := context.Background()

	writer.Put(ctx, "shared", cachedResponse("shared value"))

	got, err := reader.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "shared value", got.Choices[0].Message.Content)

	// Second read is served locally even if Redis goes away.
	mr.Close()
	got, err = reader.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "shared value", got.Choices[0].Message.Content)
}

func TestCacheRedisUnavailableDegrades(t *testing.T) {
	t.Parallel()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := NewCompletionCache(rdb, &CacheConfig{
		LocalMaxSize: 8,
		LocalTTL:     time.Minute,
		RedisTTL:     time.Hour,
		EnableLocal:  true,
		EnableRedis:  true,
	}, nil)
	ctx := context.Background()

	// Puts and gets keep working through the local level.
	cache.Put(ctx, "k", cachedResponse("v"))
	got, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Choices[0].Message.Content)
}
