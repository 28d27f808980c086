// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultCacheMaxEntries bounds the in-memory result cache.
	DefaultCacheMaxEntries = 1000

	// DefaultCacheTTL applies when a tool's cache config declares no TTL.
	DefaultCacheTTL = 5 * time.Minute
)

// ResultCache stores shaped tool results keyed by invocation fingerprint.
//
// Get returns (nil, nil) on a miss; an error means the backend failed and
// the pipeline treats it as a miss. Implementations must be safe for
// concurrent use.
type ResultCache interface {
	Get(ctx context.Context, key string) (*mcp.CallToolResult, error)
	Set(ctx context.Context, key string, result *mcp.CallToolResult, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CacheKey fingerprints an invocation for result caching. The key covers
// the tool id and the marshalled arguments; per-principal tools also fold
// in the caller's subject so results are never shared across users.
func CacheKey(toolID string, input map[string]any, subject string) (string, error) {
	args, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshaling cache key input: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(toolID))
	h.Write([]byte{0})
	h.Write(args)
	if subject != "" {
		h.Write([]byte{0})
		h.Write([]byte(subject))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CacheStats is a point-in-time snapshot of memory cache counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	MaxSize   int
}

// MemoryCache is an in-process LRU result cache with per-entry TTL.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int

	defaultTTL time.Duration

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

type cacheEntry struct {
	key      string
	result   *mcp.CallToolResult
	deadline time.Time
}

// MemoryCacheOption configures a MemoryCache.
type MemoryCacheOption func(*MemoryCache)

// WithMaxEntries overrides the entry budget.
func WithMaxEntries(n int) MemoryCacheOption {
	return func(c *MemoryCache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithDefaultTTL overrides the expiry applied to entries stored without
// their own.
func WithDefaultTTL(d time.Duration) MemoryCacheOption {
	return func(c *MemoryCache) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// NewMemoryCache returns an empty in-process result cache.
func NewMemoryCache(opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxSize:    DefaultCacheMaxEntries,
		defaultTTL: DefaultCacheTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached result for key, or nil on a miss. Expired entries
// are removed and counted as evictions.
func (c *MemoryCache) Get(_ context.Context, key string) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, nil
	}
	ent := el.Value.(*cacheEntry)
	if c.now().After(ent.deadline) {
		c.removeLocked(el)
		c.evictions++
		c.misses++
		return nil, nil
	}
	c.order.MoveToFront(el)
	c.hits++
	return ent.result, nil
}

// Set stores result under key. A non-positive ttl uses the default. When
// the cache is full the least recently used entry is evicted first.
func (c *MemoryCache) Set(_ context.Context, key string, result *mcp.CallToolResult, ttl time.Duration) error {
	if result == nil {
		return errors.New("nil result")
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := c.now().Add(ttl)
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.result = result
		ent.deadline = deadline
		c.order.MoveToFront(el)
		return nil
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}

	el := c.order.PushFront(&cacheEntry{key: key, result: result, deadline: deadline})
	c.entries[key] = el
	return nil
}

// Delete removes the entry for key, if any.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		MaxSize:   c.maxSize,
	}
}

func (c *MemoryCache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*cacheEntry).key)
}

// RedisCache is a Redis-backed result cache shared across gateway nodes.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int, keyPrefix string) (*RedisCache, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix}, nil
}

// NewRedisCacheWithClient wraps a pre-configured client. Useful for testing
// with miniredis.
func NewRedisCacheWithClient(client redis.UniversalClient, keyPrefix string) *RedisCache {
	return &RedisCache{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis client connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Get returns the cached result for key, or nil on a miss. Content blocks
// are polymorphic, so the stored JSON goes through the protocol parser
// rather than a plain unmarshal.
func (c *RedisCache) Get(ctx context.Context, key string) (*mcp.CallToolResult, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached result: %w", err)
	}
	raw := json.RawMessage(data)
	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cached result: %w", err)
	}
	return result, nil
}

// Set stores result under key with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, result *mcp.CallToolResult, ttl time.Duration) error {
	if result == nil {
		return errors.New("nil result")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	// The parser on the read side requires a content array.
	stored := *result
	if stored.Content == nil {
		stored.Content = []mcp.Content{}
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := c.client.Set(ctx, c.redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// Delete removes the entry for key, if any.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached result: %w", err)
	}
	return nil
}

func (c *RedisCache) redisKey(key string) string {
	return c.keyPrefix + ":toolresult:" + key
}

// Compile-time interface checks.
var (
	_ ResultCache = (*MemoryCache)(nil)
	_ ResultCache = (*RedisCache)(nil)
)
