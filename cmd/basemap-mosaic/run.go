package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"basemap-mosaic/internal/cache"
	"basemap-mosaic/internal/config"
	"basemap-mosaic/internal/fetch"
	"basemap-mosaic/internal/logger"
	"basemap-mosaic/internal/observability"
	"basemap-mosaic/internal/pipeline"
	"basemap-mosaic/internal/telemetry"
	"basemap-mosaic/internal/tiles"
	"basemap-mosaic/internal/utils/naming"
)

const usage = `Usage: basemap-mosaic -bbox W,S,E,N -url TEMPLATE (-out FILE | -save-dir DIR -name AREA -period PERIOD) [options]

Fetch every tile covering a bounding box, merge them and write a GeoTIFF.
Settings not given as flags are read from the environment and .env.

Options:`

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("basemap-mosaic", flag.ContinueOnError)
	fs.SetOutput(stderr)

	envFile := fs.String("env", ".env", "Optional .env file")
	bbox := fs.String("bbox", "", "Bounding box in degrees: west,south,east,north (required)")
	zoom := fs.Int("zoom", -1, "Zoom level (default ZOOM or 15)")
	urlTemplate := fs.String("url", "", "Tile URL template with {z}/{x}/{y} (default TILE_URL_TEMPLATE)")
	out := fs.String("out", "", "Output GeoTIFF path")
	saveDir := fs.String("save-dir", "", "Output directory, used with -name and -period")
	name := fs.String("name", "", "Area name for the output file")
	period := fs.String("period", "", "Period label for the output file, e.g. 2024-06")
	workers := fs.Int("workers", 0, "Concurrent tile downloads (default FETCH_WORKERS)")
	batchSize := fs.Int("batch-size", 0, "Rasters merged per batch (default MERGE_BATCH_SIZE)")
	retries := fs.Int("retries", -1, "Retries per tile (default FETCH_RETRIES)")
	timeout := fs.Duration("timeout", 0, "Per-request timeout (default FETCH_TIMEOUT)")
	maxPixels := fs.Int64("max-pixels", -1, "Refuse mosaics larger than this many pixels, 0 for no limit (default MAX_MOSAIC_PIXELS)")
	scratch := fs.String("scratch", "", "Scratch bucket URL (default SCRATCH_URL or a temp dir)")
	description := fs.String("description", "", "Text for the TIFF ImageDescription tag")
	showProgress := fs.Bool("progress", false, "Log progress per tile")

	fs.Usage = func() {
		fmt.Fprintln(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	// Flags override the environment
	if *zoom >= 0 {
		cfg.Zoom = *zoom
	}
	if *urlTemplate != "" {
		cfg.TileURLTemplate = *urlTemplate
	}
	if *workers > 0 {
		cfg.FetchWorkers = *workers
	}
	if *batchSize > 0 {
		cfg.MergeBatchSize = *batchSize
	}
	if *retries >= 0 {
		cfg.FetchRetries = *retries
	}
	if *timeout > 0 {
		cfg.FetchTimeout = *timeout
	}
	if *scratch != "" {
		cfg.ScratchURL = *scratch
	}
	if *maxPixels >= 0 {
		cfg.MaxMosaicPixels = *maxPixels
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	box, err := parseBBox(*bbox)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}
	outPath, err := outputPath(*out, *saveDir, *name, *period)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	log := logger.Build(logger.Config{Level: cfg.LogLevel, Console: cfg.LogConsole}, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := observability.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	tileCache, closeCache, err := buildCache(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to set up tile cache")
		return ExitGeneralError
	}
	defer closeCache()

	tracker := telemetry.New(cfg.PostHogAPIKey, cfg.PostHogHost, "", log)
	defer func() {
		if err := tracker.Close(); err != nil {
			log.Debug().Err(err).Msg("telemetry flush failed")
		}
	}()

	opts := pipeline.Options{
		Fetch: fetch.Options{
			Workers:          cfg.FetchWorkers,
			Timeout:          cfg.FetchTimeout,
			Retries:          cfg.FetchRetries,
			RetryBackoff:     cfg.FetchRetryBackoff,
			BreakerThreshold: cfg.FetchBreakerThreshold,
			RejectBlank:      cfg.RejectBlankTiles,
			Cache:            tileCache,
		},
		BatchSize:       cfg.MergeBatchSize,
		ScratchURL:      cfg.ScratchURL,
		Logger:          log,
		Tracker:         tracker,
		MaxMosaicPixels: cfg.MaxMosaicPixels,
		TileSize:        cfg.TileSize,
	}
	if *showProgress {
		opts.OnProgress = func(p pipeline.Progress) {
			log.Info().
				Str("stage", string(p.Stage)).
				Int("done", p.Done).
				Int("total", p.Total).
				Int("percent", p.Percent).
				Msg(p.Status)
		}
	}

	res, err := pipeline.Run(ctx, pipeline.Request{
		BBox:        box,
		Zoom:        cfg.Zoom,
		URLTemplate: cfg.TileURLTemplate,
		OutputPath:  outPath,
		Description: *description,
	}, opts)
	if err != nil {
		return exitCode(err)
	}

	for _, f := range res.Failures {
		log.Warn().Str("tile", tiles.String(f.Tile)).Err(f.Err).Msg("tile missing from mosaic")
	}
	fmt.Fprintf(stderr, "Wrote %s (%dx%d, %d/%d tiles) in %s\n",
		res.OutputPath, res.Width, res.Height, res.Fetched, res.Tiles, res.Duration.Round(time.Millisecond))
	return ExitSuccess
}

func exitCode(err error) int {
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		return ExitGeneralError
	}
	switch se.Stage {
	case pipeline.StageConfig:
		return ExitInvalidArgs
	case pipeline.StageFetch, pipeline.StageMerge:
		return ExitMosaicFailed
	case pipeline.StageWrite:
		return ExitWriteError
	}
	return ExitGeneralError
}

// parseBBox parses "west,south,east,north".
func parseBBox(s string) (tiles.BoundingBox, error) {
	if s == "" {
		return tiles.BoundingBox{}, errors.New("-bbox is required")
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return tiles.BoundingBox{}, fmt.Errorf("-bbox needs 4 comma-separated values, got %d", len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return tiles.BoundingBox{}, fmt.Errorf("invalid -bbox value %q: %w", p, err)
		}
		v[i] = f
	}
	box := tiles.BoundingBox{West: v[0], South: v[1], East: v[2], North: v[3]}
	return box, box.Validate()
}

func outputPath(out, dir, name, period string) (string, error) {
	if out != "" {
		return out, nil
	}
	if name == "" || period == "" {
		return "", errors.New("either -out or -name and -period are required")
	}
	return filepath.Join(dir, naming.Filename(name, period)), nil
}

// buildCache stacks the in-process LRU in front of Redis when both are
// configured. Either may be absent.
func buildCache(ctx context.Context, cfg *config.Config, log zerolog.Logger) (cache.TileCache, func(), error) {
	var tiers cache.Tiered
	closeFn := func() {}

	if cfg.CacheEntries > 0 {
		mem, err := cache.NewMemory(cfg.CacheEntries)
		if err != nil {
			return nil, closeFn, err
		}
		tiers = append(tiers, mem)
	}
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.CacheTTL, log.With().Str("component", "cache").Logger())
		if err != nil {
			return nil, closeFn, err
		}
		tiers = append(tiers, rc)
		closeFn = func() { _ = rc.Close() }
	}

	switch len(tiers) {
	case 0:
		return nil, closeFn, nil
	case 1:
		return tiers[0], closeFn, nil
	}
	return tiers, closeFn, nil
}
