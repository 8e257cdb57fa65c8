// Package pipeline drives a complete mosaic run: enumerate the tiles covering
// a bounding box, fetch them concurrently into scratch storage, merge them and
// write the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"basemap-mosaic/internal/cache"
	"basemap-mosaic/internal/fetch"
	"basemap-mosaic/internal/logger"
	"basemap-mosaic/internal/mosaic"
	"basemap-mosaic/internal/output"
	"basemap-mosaic/internal/raster"
	"basemap-mosaic/internal/scratch"
	"basemap-mosaic/internal/telemetry"
	"basemap-mosaic/internal/tiles"
)

// Stage names the step of a run that failed.
type Stage string

const (
	StageConfig Stage = "config"
	StageFetch  Stage = "fetch"
	StageMerge  Stage = "merge"
	StageWrite  Stage = "write"
)

// StageError is a terminal failure of a run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Request describes one mosaic.
type Request struct {
	BBox        tiles.BoundingBox
	Zoom        int
	URLTemplate string // may embed a credential, e.g. ?api_key=...
	OutputPath  string
	Description string
}

// Progress tracks the progress of a run
type Progress struct {
	Stage   Stage  `json:"stage"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
	Status  string `json:"status"`
}

// DefaultTileSize is the tile edge in pixels assumed when sizing a request.
const DefaultTileSize = 256

type Options struct {
	Fetch      fetch.Options
	BatchSize  int
	ScratchURL string // empty: a temporary directory
	Logger     zerolog.Logger
	Tracker    telemetry.Tracker
	OnProgress func(Progress)

	// MaxMosaicPixels rejects requests whose tile grid, at TileSize pixels
	// per tile, would exceed this many output pixels. 0 disables the check.
	MaxMosaicPixels int64
	TileSize        int
}

// Result summarizes a finished run.
type Result struct {
	RunID      string
	OutputPath string
	Tiles      int
	Grid       tiles.Range
	Fetched    int
	Cached     int
	Failures   []*fetch.TileError
	Width      int
	Height     int
	Transform  raster.Transform
	Duration   time.Duration
}

type run struct {
	id      string
	req     Request
	opts    Options
	log     zerolog.Logger
	start   time.Time
	tracker telemetry.Tracker
}

// Run produces req.OutputPath or returns a *StageError. Individual tile
// failures are reported in Result.Failures and do not fail the run. Scratch
// storage is removed before Run returns.
func Run(ctx context.Context, req Request, opts Options) (*Result, error) {
	r := &run{
		id:      logger.NewID(),
		req:     req,
		opts:    opts,
		start:   time.Now(),
		tracker: opts.Tracker,
	}
	r.log = logger.WithRunID(opts.Logger, r.id)
	if r.tracker == nil {
		r.tracker = telemetry.Nop()
	}

	res, err := r.execute(ctx)
	if err != nil {
		var se *StageError
		stage := StageFetch
		if errors.As(err, &se) {
			stage = se.Stage
		}
		r.log.Error().Str("stage", string(stage)).Err(err).Msg("mosaic failed")
		r.tracker.Track("mosaic_failed", map[string]interface{}{
			"stage": string(stage),
			"zoom":  req.Zoom,
			"error": err.Error(),
		})
		return nil, err
	}

	r.log.Info().
		Str("output", res.OutputPath).
		Int("tiles", res.Tiles).
		Int("fetched", res.Fetched).
		Int("failed", len(res.Failures)).
		Dur("took", res.Duration).
		Msg("mosaic complete")
	r.tracker.Track("mosaic_complete", map[string]interface{}{
		"zoom":        req.Zoom,
		"tiles":       res.Tiles,
		"fetched":     res.Fetched,
		"failed":      len(res.Failures),
		"cached":      res.Cached,
		"width":       res.Width,
		"height":      res.Height,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res, nil
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	if r.req.OutputPath == "" {
		return nil, &StageError{Stage: StageConfig, Err: &tiles.ConfigError{Reason: "output path is required"}}
	}
	if err := fetch.ValidateTemplate(r.req.URLTemplate); err != nil {
		return nil, &StageError{Stage: StageConfig, Err: err}
	}
	ts, err := tiles.Enumerate(r.req.BBox, r.req.Zoom)
	if err != nil {
		return nil, &StageError{Stage: StageConfig, Err: err}
	}
	grid, err := tiles.RangeOf(ts)
	if err != nil {
		return nil, &StageError{Stage: StageConfig, Err: err}
	}
	r.log.Info().
		Int("tiles", len(ts)).
		Int("zoom", r.req.Zoom).
		Int("cols", grid.Cols()).
		Int("rows", grid.Rows()).
		Msg("tiles enumerated")
	if err := r.checkSize(grid); err != nil {
		return nil, &StageError{Stage: StageConfig, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageFetch, Err: err}
	}
	store, err := scratch.Open(ctx, r.opts.ScratchURL, "runs/"+r.id)
	if err != nil {
		return nil, &StageError{Stage: StageFetch, Err: err}
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			r.log.Warn().Err(err).Msg("failed to clean scratch storage")
		}
	}()

	// Fetch
	fopts := r.opts.Fetch
	fopts.Logger = r.log.With().Str("component", "fetch").Logger()
	fopts.OnProgress = func(done, total int) {
		r.emitProgress(StageFetch, done, total, fmt.Sprintf("Downloading %d/%d tiles", done, total))
	}
	fetcher, err := fetch.New(r.req.URLTemplate, store, fopts)
	if err != nil {
		return nil, &StageError{Stage: StageConfig, Err: err}
	}
	report := fetcher.FetchAll(ctx, ts)
	r.logCacheStats()
	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageFetch, Err: err}
	}

	entries := report.Succeeded()
	res := &Result{
		RunID:      r.id,
		OutputPath: r.req.OutputPath,
		Tiles:      len(ts),
		Grid:       grid,
		Fetched:    len(entries),
		Failures:   report.Failures(),
	}
	for _, o := range report.Outcomes {
		if o.OK() && o.Cached {
			res.Cached++
		}
	}

	// Merge
	r.emitProgress(StageMerge, 0, 1, fmt.Sprintf("Merging %d tiles", len(entries)))
	merger := mosaic.NewMerger(store, r.opts.BatchSize, r.log.With().Str("component", "merge").Logger())
	merged, err := merger.Merge(ctx, entries)
	if err != nil {
		return nil, &StageError{Stage: StageMerge, Err: err}
	}
	r.emitProgress(StageMerge, 1, 1, "Merge complete")

	// Write
	r.emitProgress(StageWrite, 0, 1, "Saving "+r.req.OutputPath)
	if err := output.WriteWithMetadata(merged, r.req.OutputPath, output.Metadata{Description: r.req.Description}); err != nil {
		return nil, &StageError{Stage: StageWrite, Err: err}
	}
	r.emitProgress(StageWrite, 1, 1, "Saved "+r.req.OutputPath)

	res.Width = merged.Width
	res.Height = merged.Height
	res.Transform = merged.Transform
	res.Duration = time.Since(r.start)
	return res, nil
}

// checkSize estimates the output from the tile grid before anything is fetched.
func (r *run) checkSize(grid tiles.Range) error {
	if r.opts.MaxMosaicPixels <= 0 {
		return nil
	}
	size := int64(r.opts.TileSize)
	if size <= 0 {
		size = DefaultTileSize
	}
	pixels := int64(grid.Cols()) * size * int64(grid.Rows()) * size
	if pixels > r.opts.MaxMosaicPixels {
		return &tiles.ConfigError{Reason: fmt.Sprintf(
			"%dx%d tiles of %dpx make a %d pixel mosaic, limit is %d",
			grid.Cols(), grid.Rows(), size, pixels, r.opts.MaxMosaicPixels)}
	}
	return nil
}

func (r *run) logCacheStats() {
	sr, ok := r.opts.Fetch.Cache.(cache.StatsReporter)
	if !ok {
		return
	}
	entries, size := sr.Stats()
	r.log.Info().Int("entries", entries).Int64("bytes", size).Msg("tile cache")
}

// emitProgress emits run progress if callback is set
func (r *run) emitProgress(stage Stage, done, total int, status string) {
	if r.opts.OnProgress == nil {
		return
	}
	percent := 100
	if total > 0 {
		percent = done * 100 / total
	}
	r.opts.OnProgress(Progress{Stage: stage, Done: done, Total: total, Percent: percent, Status: status})
}
