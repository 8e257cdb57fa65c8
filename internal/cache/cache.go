// Package cache stores raw tile bytes so repeated runs over the same area
// skip the network. Keys are derived from the URL template and tile coordinate.
package cache

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb/maptile"
)

// TileCache is safe for concurrent use by the fetch pool.
type TileCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, data []byte) error
}

// Key builds the cache key for a tile served by template.
// Format: {xxhash(template)}/{z}/{x}/{y}
func Key(template string, t maptile.Tile) string {
	return fmt.Sprintf("%016x/%d/%d/%d", xxhash.Sum64String(template), t.Z, t.X, t.Y)
}

// StatsReporter is implemented by caches that can count what they hold.
type StatsReporter interface {
	Stats() (entries int, sizeBytes int64)
}

// Tiered consults caches in order. A hit in a later tier is copied into the
// earlier ones; Set writes every tier.
type Tiered []TileCache

func (t Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	for i, c := range t {
		if data, ok := c.Get(ctx, key); ok {
			for _, earlier := range t[:i] {
				_ = earlier.Set(ctx, key, data)
			}
			return data, true
		}
	}
	return nil, false
}

func (t Tiered) Set(ctx context.Context, key string, data []byte) error {
	var firstErr error
	for _, c := range t {
		if err := c.Set(ctx, key, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats sums the tiers that report statistics.
func (t Tiered) Stats() (entries int, sizeBytes int64) {
	for _, c := range t {
		if sr, ok := c.(StatsReporter); ok {
			n, b := sr.Stats()
			entries += n
			sizeBytes += b
		}
	}
	return entries, sizeBytes
}
