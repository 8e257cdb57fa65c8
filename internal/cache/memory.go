package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryCache keeps the most recently used tiles in process memory.
type MemoryCache struct {
	lru *lru.Cache[string, []byte]
}

// NewMemory creates a memory cache holding at most entries tiles.
func NewMemory(entries int) (*MemoryCache, error) {
	c, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &MemoryCache{lru: c}, nil
}

// Get retrieves a tile from cache
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	return c.lru.Get(key)
}

// Set stores a tile in cache, evicting the least recently used entry when full
func (c *MemoryCache) Set(_ context.Context, key string, data []byte) error {
	c.lru.Add(key, data)
	return nil
}

// Stats returns cache statistics
func (c *MemoryCache) Stats() (entries int, sizeBytes int64) {
	for _, key := range c.lru.Keys() {
		if data, ok := c.lru.Peek(key); ok {
			sizeBytes += int64(len(data))
		}
	}
	return c.lru.Len(), sizeBytes
}
