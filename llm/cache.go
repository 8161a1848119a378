package llm

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss indicates cache miss.
var ErrCacheMiss = errors.New("cache miss")

// CacheEntry represents a cached response.
type CacheEntry struct {
	Response  *ChatResponse `json:"response"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// CacheConfig configures the completion cache.
type CacheConfig struct {
	LocalMaxSize int           `json:"local_max_size"`
	LocalTTL     time.Duration `json:"local_ttl"`
	RedisTTL     time.Duration `json:"redis_ttl"`
	EnableLocal  bool          `json:"enable_local"`
	EnableRedis  bool          `json:"enable_redis"`
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		LocalMaxSize: 256,
		LocalTTL:     5 * time.Minute,
		RedisTTL:     time.Hour,
		EnableLocal:  true,
		EnableRedis:  false,
	}
}

// CacheMetrics receives hit/miss counts from lookups. Satisfied by
// *metrics.Collector.
type CacheMetrics interface {
	CacheHit()
	CacheMiss()
}

// CompletionCache provides local LRU + optional Redis caching for deterministic
// exchanges (planning is the main user; step exchanges are never cached).
type CompletionCache struct {
	local   *lruCache
	redis   *redis.Client
	config  *CacheConfig
	logger  *zap.Logger
	metrics CacheMetrics
}

// NewCompletionCache creates a completion cache. rdb may be nil when Redis is
// disabled.
func NewCompletionCache(rdb *redis.Client, config *CacheConfig, logger *zap.Logger) *CompletionCache {
	if config == nil {
		config = DefaultCacheConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var local *lruCache
	if config.EnableLocal {
		local = newLRUCache(config.LocalMaxSize, config.LocalTTL)
	}

	return &CompletionCache{
		local:  local,
		redis:  rdb,
		config: config,
		logger: logger.With(zap.String("component", "completion_cache")),
	}
}

// WithMetrics instruments lookups and returns the cache for chaining.
func (c *CompletionCache) WithMetrics(m CacheMetrics) *CompletionCache {
	c.metrics = m
	return c
}

// Key derives a stable cache key from a request's model, messages, and tools.
func Key(req *ChatRequest) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(req.Model)
	_ = enc.Encode(req.Messages)
	_ = enc.Encode(req.Tools)
	return "llmcache:" + hex.EncodeToString(h.Sum(nil))
}

// Get retrieves a cached response, or ErrCacheMiss.
func (c *CompletionCache) Get(ctx context.Context, key string) (*ChatResponse, error) {
	if c.config.EnableLocal && c.local != nil {
		if entry, ok := c.local.get(key); ok {
			c.recordHit()
			return entry.Response, nil
		}
	}

	if c.config.EnableRedis && c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			var entry CacheEntry
			if err := json.Unmarshal(data, &entry); err == nil && time.Now().Before(entry.ExpiresAt) {
				if c.local != nil {
					c.local.put(key, &entry)
				}
				c.recordHit()
				return entry.Response, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get failed", zap.Error(err))
		}
	}

	if c.metrics != nil {
		c.metrics.CacheMiss()
	}
	return nil, ErrCacheMiss
}

func (c *CompletionCache) recordHit() {
	if c.metrics != nil {
		c.metrics.CacheHit()
	}
}

// Put stores a response in all enabled levels. Failures are logged, never fatal.
func (c *CompletionCache) Put(ctx context.Context, key string, resp *ChatResponse) {
	now := time.Now()
	entry := &CacheEntry{
		Response:  resp,
		CreatedAt: now,
		ExpiresAt: now.Add(c.config.RedisTTL),
	}

	if c.config.EnableLocal && c.local != nil {
		c.local.put(key, entry)
	}

	if c.config.EnableRedis && c.redis != nil {
		data, err := json.Marshal(entry)
		if err == nil {
			if err := c.redis.Set(ctx, key, data, c.config.RedisTTL).Err(); err != nil {
				c.logger.Warn("redis set failed", zap.Error(err))
			}
		}
	}
}

// lruCache is a TTL-aware LRU used as the local cache level.
type lruCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List
	items   map[string]*list.Element
}

type lruItem struct {
	key     string
	entry   *CacheEntry
	addedAt time.Time
}

func newLRUCache(maxSize int, ttl time.Duration) *lruCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &lruCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		items:   make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*lruItem)
	if c.ttl > 0 && time.Since(item.addedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return item.entry, true
}

func (c *lruCache) put(key string, entry *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruItem).entry = entry
		el.Value.(*lruItem).addedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&lruItem{key: key, entry: entry, addedAt: time.Now()})
	c.items[key] = el
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruItem).key)
	}
}
