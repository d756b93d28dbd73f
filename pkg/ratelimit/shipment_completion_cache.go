package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// CompletionCache - LLM 응답 캐시
// 전략: 실패 후 재시도된 이메일이 같은 프롬프트로 다시 과금되지 않도록
// 해시 키로 완성 결과를 보관
// =============================================================================

// CacheConfig holds completion cache configuration.
type CacheConfig struct {
	// L1 (로컬 메모리)
	L1MaxSize int           // 최대 항목 수 (기본: 500)
	L1TTL     time.Duration // TTL (기본: 5분)

	// L2 (Redis)
	L2TTL time.Duration // TTL (기본: 30분)

	// 캐시 대상 제한
	MaxCacheablePrompt int // 이 길이 이상 프롬프트는 캐시 안 함 (기본: 8192)
}

// DefaultCacheConfig returns default cache configuration.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		L1MaxSize:          500,
		L1TTL:              5 * time.Minute,
		L2TTL:              30 * time.Minute,
		MaxCacheablePrompt: 8192,
	}
}

// CachedCompletion is the envelope stored for each completion.
type CachedCompletion struct {
	Content    string    `json:"content"`
	Model      string    `json:"model"`
	TokensUsed int       `json:"tokens_used"`
	CachedAt   time.Time `json:"cached_at"`
}

// CompletionCache provides two-level caching for LLM completions.
// Keys are content hashes, so identical prompts hit regardless of which
// worker produced the original answer.
type CompletionCache struct {
	config *CacheConfig
	l1     *L1Cache
	redis  *redis.Client
}

// NewCompletionCache creates a new completion cache.
func NewCompletionCache(redisClient *redis.Client, config *CacheConfig) *CompletionCache {
	if config == nil {
		config = DefaultCacheConfig()
	}

	return &CompletionCache{
		config: config,
		l1:     NewL1Cache(config.L1MaxSize, config.L1TTL),
		redis:  redisClient,
	}
}

// CompletionKey derives the cache key for a model call.
func CompletionKey(model, system, prompt string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + system + "\x00" + prompt))
	return fmt.Sprintf("llm:completion:%s", hex.EncodeToString(sum[:16]))
}

// ShouldCache returns true if a prompt of this length should be cached.
func (c *CompletionCache) ShouldCache(promptLen int) bool {
	return promptLen < c.config.MaxCacheablePrompt
}

// Get retrieves a cached completion.
func (c *CompletionCache) Get(ctx context.Context, model, system, prompt string) (*CachedCompletion, bool) {
	if !c.ShouldCache(len(prompt)) {
		return nil, false
	}

	key := CompletionKey(model, system, prompt)

	// 1. L1 캐시 확인
	if data, ok := c.l1.Get(key); ok {
		return decodeCompletion(data)
	}

	// 2. L2 (Redis) 캐시 확인
	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			// L1에도 저장
			c.l1.Set(key, data)
			return decodeCompletion(data)
		}
	}

	return nil, false
}

// Set stores a completion in both cache levels.
func (c *CompletionCache) Set(ctx context.Context, model, system, prompt string, result *CachedCompletion) {
	if !c.ShouldCache(len(prompt)) {
		return
	}
	if result == nil {
		return
	}
	if result.CachedAt.IsZero() {
		result.CachedAt = time.Now()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	key := CompletionKey(model, system, prompt)

	// 1. L1 캐시에 저장
	c.l1.Set(key, data)

	// 2. L2 (Redis)에 저장
	if c.redis != nil {
		c.redis.Set(ctx, key, data, c.config.L2TTL)
	}
}

// Invalidate removes all cached completions.
// Called when prompts or model versions change.
func (c *CompletionCache) Invalidate(ctx context.Context) {
	c.l1.InvalidateByPrefix("llm:completion:")

	if c.redis != nil {
		keys, _ := c.redis.Keys(ctx, "llm:completion:*").Result()
		if len(keys) > 0 {
			c.redis.Del(ctx, keys...)
		}
	}
}

func decodeCompletion(data []byte) (*CachedCompletion, bool) {
	var cached CachedCompletion
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

// =============================================================================
// L1Cache - 로컬 메모리 캐시 (LRU + TTL)
// =============================================================================

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// L1Cache is a simple LRU cache with TTL.
type L1Cache struct {
	maxSize int
	ttl     time.Duration
	items   map[string]*cacheEntry
	order   []string // LRU order
	mu      sync.RWMutex
}

// NewL1Cache creates a new L1 cache.
func NewL1Cache(maxSize int, ttl time.Duration) *L1Cache {
	cache := &L1Cache{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*cacheEntry),
		order:   make([]string, 0, maxSize),
	}

	// 주기적 정리
	go cache.cleanupLoop()

	return cache
}

// Get retrieves value from cache.
func (c *L1Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}

	return entry.data, true
}

// Set stores value in cache.
func (c *L1Cache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// LRU eviction if at capacity
	if len(c.items) >= c.maxSize {
		if len(c.order) > 0 {
			oldest := c.order[0]
			delete(c.items, oldest)
			c.order = c.order[1:]
		}
	}

	c.items[key] = &cacheEntry{
		data:      data,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.order = append(c.order, key)
}

// InvalidateByPrefix removes all entries with matching prefix.
func (c *L1Cache) InvalidateByPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.items {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.items, key)
		}
	}
}

func (c *L1Cache) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.cleanup()
	}
}

func (c *L1Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.items {
		if now.After(entry.expiresAt) {
			delete(c.items, key)
		}
	}
}
