// Package fetch downloads map tiles with a bounded worker pool, decodes them
// into georeferenced rasters and persists each success to scratch storage.
// Failures are returned per tile and never abort the batch.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb/maptile"
	"github.com/sony/gobreaker"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"

	"basemap-mosaic/internal/cache"
	"basemap-mosaic/internal/observability"
	"basemap-mosaic/internal/raster"
	"basemap-mosaic/internal/scratch"
	"basemap-mosaic/internal/tiles"
	"basemap-mosaic/internal/utils/naming"
)

// Outcome is the result of fetching one tile. Err is nil on success and a
// *TileError otherwise.
type Outcome struct {
	Tile     maptile.Tile
	Entry    scratch.Entry
	Checksum uint64 // xxhash of the decoded RGB samples
	Cached   bool
	Err      error
}

// OK reports whether the tile was fetched and persisted.
func (o Outcome) OK() bool { return o.Err == nil }

// Report holds one outcome per requested tile, in request order.
type Report struct {
	Outcomes []Outcome
}

// Succeeded returns the scratch entries of successful tiles in request order.
func (r Report) Succeeded() []scratch.Entry {
	var entries []scratch.Entry
	for _, o := range r.Outcomes {
		if o.OK() {
			entries = append(entries, o.Entry)
		}
	}
	return entries
}

// Failures returns the failed tiles in request order.
func (r Report) Failures() []*TileError {
	var failures []*TileError
	for _, o := range r.Outcomes {
		if o.Err == nil {
			continue
		}
		var te *TileError
		if !errors.As(o.Err, &te) {
			te = &TileError{Tile: o.Tile, Err: o.Err}
		}
		failures = append(failures, te)
	}
	return failures
}

// Fetcher downloads tiles from a URL template.
type Fetcher struct {
	template string
	store    *scratch.Store
	opts     Options
	sem      *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker

	progressMu sync.Mutex
}

// New creates a fetcher that persists tiles to store.
func New(template string, store *scratch.Store, opts Options) (*Fetcher, error) {
	if err := ValidateTemplate(template); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("fetch: scratch store is required")
	}
	opts = opts.withDefaults()

	f := &Fetcher{
		template: template,
		store:    store,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
	}
	if opts.BreakerThreshold > 0 {
		threshold := uint32(opts.BreakerThreshold)
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "tile-server",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !retryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				opts.Logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			},
		})
	}
	return f, nil
}

// FetchAll fetches every tile with at most Workers in flight and waits for
// all of them. Tiles not started before ctx ends are reported as failures.
func (f *Fetcher) FetchAll(ctx context.Context, ts []maptile.Tile) Report {
	outcomes := make([]Outcome, len(ts))
	total := len(ts)
	done := 0

	f.opts.Logger.Info().Int("tiles", total).Int("workers", f.opts.Workers).Msg("fetching tiles")

	var wg sync.WaitGroup
	for i, t := range ts {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(ts); j++ {
				outcomes[j] = Outcome{Tile: ts[j], Err: &TileError{Tile: ts[j], Err: fmt.Errorf("%w: %v", ErrNotStarted, err)}}
			}
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer f.sem.Release(1)
			outcomes[i] = f.Fetch(ctx, t)

			if f.opts.OnProgress != nil {
				f.progressMu.Lock()
				done++
				f.opts.OnProgress(done, total)
				f.progressMu.Unlock()
			}
		}()
	}
	wg.Wait()

	report := Report{Outcomes: outcomes}
	f.opts.Logger.Info().
		Int("succeeded", len(report.Succeeded())).
		Int("failed", len(report.Failures())).
		Msg("fetch complete")
	return report
}

// Fetch downloads, decodes, georeferences and persists one tile. It never
// panics; every failure is returned in Outcome.Err.
func (f *Fetcher) Fetch(ctx context.Context, t maptile.Tile) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Tile: t, Err: &TileError{Tile: t, Err: fmt.Errorf("panic: %v", r)}}
		}
		outcome := observability.OutcomeSuccess
		if out.Err != nil {
			outcome = observability.OutcomeFailure
			f.opts.Logger.Warn().Str("tile", tiles.String(t)).Err(out.Err).Msg("tile failed")
		} else {
			f.opts.Logger.Debug().
				Str("tile", tiles.String(t)).
				Str("checksum", fmt.Sprintf("%016x", out.Checksum)).
				Bool("cached", out.Cached).
				Msg("tile stored")
		}
		observability.ObserveTileFetch(outcome, time.Since(start).Seconds())
	}()

	out = Outcome{Tile: t}
	r, cached, err := f.load(ctx, t)
	if err != nil {
		out.Err = &TileError{Tile: t, Err: err}
		return out
	}

	entry, err := f.store.Put(ctx, naming.ScratchTileKey(t), r)
	if err != nil {
		out.Err = &TileError{Tile: t, Err: err}
		return out
	}

	out.Entry = entry
	out.Checksum = xxhash.Sum64(r.Pix)
	out.Cached = cached
	return out
}

// load returns the georeferenced raster for t, from cache when possible.
func (f *Fetcher) load(ctx context.Context, t maptile.Tile) (*raster.Raster, bool, error) {
	if err := tiles.Valid(t); err != nil {
		return nil, false, err
	}

	var key string
	if f.opts.Cache != nil {
		key = cache.Key(f.template, t)
		if data, ok := f.opts.Cache.Get(ctx, key); ok {
			if r, err := f.decode(t, data); err == nil {
				observability.IncCacheHit()
				f.opts.Logger.Debug().Str("tile", tiles.String(t)).Msg("cache hit")
				return r, true, nil
			}
		}
		observability.IncCacheMiss()
	}

	data, err := f.download(ctx, Expand(f.template, t))
	if err != nil {
		return nil, false, err
	}
	r, err := f.decode(t, data)
	if err != nil {
		return nil, false, err
	}

	if f.opts.Cache != nil {
		if err := f.opts.Cache.Set(ctx, key, data); err != nil {
			f.opts.Logger.Warn().Str("tile", tiles.String(t)).Err(err).Msg("cache write failed")
		}
	}
	return r, false, nil
}

func (f *Fetcher) decode(t maptile.Tile, data []byte) (*raster.Raster, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	minX, minY, maxX, maxY := tiles.MercatorBounds(t)
	r := raster.FromImage(img, raster.FromBounds(minX, minY, maxX, maxY, b.Dx(), b.Dy()))
	if f.opts.RejectBlank && f.opts.Blank.Blank(r) {
		return nil, ErrBlankTile
	}
	return r, nil
}

// download GETs url, retrying transport errors, 429 and 5xx.
func (f *Fetcher) download(ctx context.Context, tileURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.opts.Retries; attempt++ {
		if attempt > 0 {
			if err := f.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		data, err := f.get(ctx, tileURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return nil, err
		}
	}
	if f.opts.Retries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", f.opts.Retries+1, lastErr)
}

func (f *Fetcher) backoff(ctx context.Context, attempt int) error {
	backoff := f.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > f.opts.RetryMaxBackoff {
		backoff = f.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

func (f *Fetcher) get(ctx context.Context, tileURL string) ([]byte, error) {
	if f.breaker == nil {
		return f.doGet(ctx, tileURL)
	}
	res, err := f.breaker.Execute(func() (interface{}, error) {
		return f.doGet(ctx, tileURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return res.([]byte), nil
}

func (f *Fetcher) doGet(ctx context.Context, tileURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.opts.Client.Do(req)
	if err != nil {
		// The URL may embed a credential; keep it out of the error.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("failed to fetch tile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxTileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read tile: %w", err)
	}
	if int64(len(data)) > f.opts.MaxTileBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}
