// Package mosaic composites georeferenced rasters held in scratch storage
// into a single mosaic. Inputs are reduced in groups of at most batchSize so
// only one decoded input and one group mosaic are held in memory at a time.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"basemap-mosaic/internal/observability"
	"basemap-mosaic/internal/raster"
	"basemap-mosaic/internal/scratch"
	"basemap-mosaic/internal/utils/naming"
)

// DefaultBatchSize is the number of inputs composited per group.
const DefaultBatchSize = 500

var (
	ErrNoInputs      = errors.New("no rasters to merge")
	ErrNothingOpened = errors.New("no raster could be opened")
)

// MergeError is fatal: no mosaic can be produced.
type MergeError struct {
	Err error
}

func (e *MergeError) Error() string {
	return "merge failed: " + e.Err.Error()
}

func (e *MergeError) Unwrap() error { return e.Err }

// Merger reduces scratch entries to one mosaic. A Merger must not run two
// merges on the same store concurrently; batch keys would collide.
type Merger struct {
	store     *scratch.Store
	batchSize int
	logger    zerolog.Logger
}

// NewMerger creates a merger. batchSize <= 0 selects DefaultBatchSize; a
// batch size of 1 is raised to 2 so every pass shrinks the input.
func NewMerger(store *scratch.Store, batchSize int, logger zerolog.Logger) *Merger {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize < 2 {
		batchSize = 2
	}
	return &Merger{store: store, batchSize: batchSize, logger: logger}
}

// Merge composites entries in order. Where inputs overlap, the first input
// with data at a pixel wins. While more than batchSize items remain they are
// composited in consecutive groups and persisted as batch mosaics, which are
// merged again; the last pass is returned in memory. Grouping does not change
// the result.
//
// Entries that no longer exist in scratch are skipped. An entry that exists
// but cannot be decoded fails the merge.
func (m *Merger) Merge(ctx context.Context, entries []scratch.Entry) (*raster.Raster, error) {
	if len(entries) == 0 {
		return nil, &MergeError{Err: ErrNoInputs}
	}
	start := time.Now()
	defer func() { observability.ObserveMerge(time.Since(start).Seconds()) }()

	items := entries
	level := 0
	for ; len(items) > m.batchSize; level++ {
		next, err := m.reduce(ctx, items, level)
		if err != nil {
			return nil, err
		}
		if level > 0 {
			m.release(ctx, items)
		}
		items = next
	}

	mosaic, err := m.composite(ctx, items)
	if err != nil {
		return nil, &MergeError{Err: err}
	}
	observability.IncMergeComposite("final")
	if level > 0 {
		m.release(ctx, items)
	}

	m.logger.Info().
		Int("inputs", len(entries)).
		Int("width", mosaic.Width).
		Int("height", mosaic.Height).
		Dur("took", time.Since(start)).
		Msg("merge complete")
	return mosaic, nil
}

// reduce composites items in groups and returns the persisted batch mosaics.
func (m *Merger) reduce(ctx context.Context, items []scratch.Entry, level int) ([]scratch.Entry, error) {
	groups := (len(items) + m.batchSize - 1) / m.batchSize
	m.logger.Info().Int("level", level).Int("items", len(items)).Int("groups", groups).Msg("merging batches")

	next := make([]scratch.Entry, 0, groups)
	for g := 0; g < groups; g++ {
		if err := ctx.Err(); err != nil {
			return nil, &MergeError{Err: err}
		}

		lo := g * m.batchSize
		hi := min(lo+m.batchSize, len(items))
		mosaic, err := m.composite(ctx, items[lo:hi])
		if errors.Is(err, ErrNothingOpened) {
			m.logger.Warn().Int("level", level).Int("batch", g).Msg("no input of batch could be opened, skipping")
			continue
		}
		if err != nil {
			return nil, &MergeError{Err: err}
		}

		entry, err := m.store.Put(ctx, naming.ScratchBatchKey(level, g), mosaic)
		if err != nil {
			return nil, &MergeError{Err: fmt.Errorf("persist batch %d/%d: %w", level, g, err)}
		}
		observability.IncMergeComposite(strconv.Itoa(level))
		m.logger.Debug().Int("level", level).Int("batch", g).Str("mosaic", mosaic.String()).Msg("batch merged")
		next = append(next, entry)
	}

	if len(next) == 0 {
		return nil, &MergeError{Err: ErrNothingOpened}
	}
	return next, nil
}

// composite merges one group into a new raster. Only one decoded input is
// held at a time.
func (m *Merger) composite(ctx context.Context, group []scratch.Entry) (*raster.Raster, error) {
	opened := make([]scratch.Entry, 0, len(group))
	for _, e := range group {
		stat, err := m.store.Stat(ctx, e.Key)
		if err != nil {
			m.logger.Warn().Str("key", e.Key).Err(err).Msg("skipping unreadable raster")
			continue
		}
		opened = append(opened, stat)
	}
	if len(opened) == 0 {
		return nil, ErrNothingOpened
	}

	out := grid(opened)
	for _, e := range opened {
		src, err := m.store.Get(ctx, e.Key)
		if err != nil {
			return nil, err
		}
		paint(out, src)
	}
	return out, nil
}

// release deletes batch mosaics that have been folded into the next level.
func (m *Merger) release(ctx context.Context, items []scratch.Entry) {
	for _, e := range items {
		if err := m.store.Delete(ctx, e.Key); err != nil {
			m.logger.Warn().Str("key", e.Key).Err(err).Msg("failed to delete batch mosaic")
		}
	}
}
