package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// maxKeys bounds the in-memory cache size; foundational sets are small,
	// this is a safety cap.
	maxKeys = 10000

	// backstopTTL evicts entries the per-entry expiry never got to.
	backstopTTL = 24 * time.Hour
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is the in-process backend: an expiring LRU of serialized
// values. Entries past their per-entry expiry are treated as absent.
type MemoryCache struct {
	lru *expirable.LRU[string, memoryEntry]
}

// NewMemoryCache creates a bounded in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		lru: expirable.NewLRU[string, memoryEntry](maxKeys, nil, backstopTTL),
	}
}

// Get deserializes the cached value into dest, or returns ErrMiss.
func (c *MemoryCache) Get(ctx context.Context, key string, dest any) error {
	entry, ok := c.lru.Get(key)
	if !ok {
		return ErrMiss
	}
	if time.Now().After(entry.expiresAt) {
		c.lru.Remove(key)
		return ErrMiss
	}
	if err := json.Unmarshal(entry.data, dest); err != nil {
		return fmt.Errorf("unmarshal cached value: %w", err)
	}
	return nil
}

// Set stores the value with the given TTL (DefaultTTL when zero).
func (c *MemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	c.lru.Add(key, memoryEntry{data: data, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Delete removes the key.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Flush clears all entries.
func (c *MemoryCache) Flush(ctx context.Context) error {
	c.lru.Purge()
	return nil
}

// Ping always succeeds for the in-process backend.
func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-process backend.
func (c *MemoryCache) Close() error {
	return nil
}

// Len returns the number of resident entries.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
