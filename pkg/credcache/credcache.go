// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package credcache caches resolved credentials per process. Entries carry
// their own validity window on top of the cache TTL; a lookup that finds a
// dead entry counts it as evicted and reports a miss, so callers re-resolve
// instead of using a stale credential.
package credcache

import (
	"container/list"
	"sync"
	"time"
)

// Scope classifies how widely a cached credential is shared.
type Scope string

// Credential scopes, from widest to narrowest.
const (
	ScopeGlobal  Scope = "global"
	ScopeUser    Scope = "user"
	ScopeSession Scope = "session"
)

const (
	// DefaultMaxSize bounds the cache; the least recently used entry is
	// evicted when a Set would exceed it.
	DefaultMaxSize = 1000

	// DefaultTTL applies when Set is called without an explicit TTL.
	DefaultTTL = 15 * time.Minute
)

// Resolved is a credential produced by a provider, ready for use.
type Resolved struct {
	// ProviderID names the provider that produced the credential.
	ProviderID string

	// Secret is the credential material. Never logged.
	Secret string

	// TokenType qualifies Secret, e.g. "Bearer".
	TokenType string

	// Scope controls bulk invalidation.
	Scope Scope

	// AcquiredAt is when the provider issued the credential.
	AcquiredAt time.Time

	// ExpiresAt is the provider-declared expiry. Zero means the provider
	// declared none and only the cache TTL applies.
	ExpiresAt time.Time

	// Valid is cleared by callers that learn the credential was revoked.
	Valid bool

	// Metadata carries extra provider fields.
	Metadata map[string]string
}

// alive reports whether the credential itself is still usable at now.
func (r *Resolved) alive(now time.Time) bool {
	if !r.Valid {
		return false
	}
	return r.ExpiresAt.IsZero() || now.Before(r.ExpiresAt)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	MaxSize   int
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxSize overrides the entry budget.
func WithMaxSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithDefaultTTL overrides the TTL applied when Set receives none.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// Cache is an LRU credential cache with per-entry TTL and scope-wide
// invalidation. All methods are safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxSize    int
	defaultTTL time.Duration

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

type entry struct {
	key      string
	cred     *Resolved
	deadline time.Time // cache TTL deadline, independent of cred.ExpiresAt
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxSize:    DefaultMaxSize,
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live credential for key. A TTL-expired, provider-expired
// or invalidated entry is removed, counted as an eviction, and reported as
// a miss.
func (c *Cache) Get(key string) (*Resolved, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := el.Value.(*entry)
	now := c.now()
	if now.After(ent.deadline) || !ent.cred.alive(now) {
		c.removeLocked(el)
		c.evictions++
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return ent.cred, true
}

// Set stores cred under key. A non-positive ttl uses the cache default.
// When the cache is full the least recently used entry is evicted first.
func (c *Cache) Set(key string, cred *Resolved, ttl time.Duration) {
	if cred == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := c.now().Add(ttl)
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		ent.cred = cred
		ent.deadline = deadline
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}

	el := c.order.PushFront(&entry{key: key, cred: cred, deadline: deadline})
	c.entries[key] = el
}

// Has reports whether a live entry exists for key without touching the LRU
// order or the hit/miss counters.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	ent := el.Value.(*entry)
	now := c.now()
	return !now.After(ent.deadline) && ent.cred.alive(now)
}

// Invalidate removes the entry for key. It reports whether one existed.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(el)
	c.evictions++
	return true
}

// InvalidateByScope removes every entry whose credential carries the given
// scope and returns the number removed. Used when a user logs out
// (ScopeUser) or a session ends (ScopeSession).
func (c *Cache) InvalidateByScope(scope Scope) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry).cred.Scope == scope {
			c.removeLocked(el)
			c.evictions++
			removed++
		}
		el = next
	}
	return removed
}

// Cleanup removes every entry that is TTL-expired, provider-expired or
// invalidated, and returns the number removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*entry)
		if now.After(ent.deadline) || !ent.cred.alive(now) {
			c.removeLocked(el)
			c.evictions++
			removed++
		}
		el = next
	}
	return removed
}

// GetStats returns a snapshot of the cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		MaxSize:   c.maxSize,
	}
}

// Len returns the current number of entries, dead or alive.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
}
