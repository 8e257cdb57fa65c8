// Package scratch persists intermediate rasters (fetched tiles and batch
// mosaics) in a gocloud.dev bucket so the merger never holds more than one
// decoded input at a time. Payloads are GeoTIFFs in the snappy framing
// format; the grid geometry is duplicated into blob metadata so extents can
// be planned without reading pixels.
package scratch

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/golang/snappy"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	"basemap-mosaic/internal/raster"
	"basemap-mosaic/pkg/geotiff"
)

const encoding = "geotiff+snappy-framed"

// Metadata keys. gocloud lowercases keys on some drivers, so keep them lowercase.
const (
	metaWidth    = "width"
	metaHeight   = "height"
	metaOriginX  = "origin_x"
	metaOriginY  = "origin_y"
	metaResX     = "res_x"
	metaResY     = "res_y"
	metaEPSG     = "epsg"
	metaEncoding = "encoding"
)

// Entry references a raster persisted in scratch storage.
type Entry struct {
	Key       string
	Width     int
	Height    int
	Transform raster.Transform
	EPSG      int
}

// Bounds returns the map extent (west, south, east, north) of the entry.
func (e Entry) Bounds() (west, south, east, north float64) {
	west, north = e.Transform.Apply(0, 0)
	east, south = e.Transform.Apply(float64(e.Width), float64(e.Height))
	return west, south, east, north
}

// Store reads and writes rasters in a bucket.
type Store struct {
	bucket *blob.Bucket
	dir    string // owned temporary directory, removed on Close
	owned  bool   // Close empties and closes the bucket
}

// New wraps an existing bucket. Close does not close or empty it.
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// Open creates a run-scoped store. An empty url uses a fresh temporary
// directory; otherwise the bucket is opened by URL (file://, s3://, gs://, mem://)
// and every key is placed under prefix.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	if url == "" {
		dir, err := os.MkdirTemp("", "basemap-mosaic-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create scratch directory: %w", err)
		}
		bucket, err := fileblob.OpenBucket(dir, nil)
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to open scratch directory %s: %w", dir, err)
		}
		return &Store{bucket: bucket, dir: dir, owned: true}, nil
	}

	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open scratch bucket: %w", err)
	}
	if prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix+"/")
	}
	return &Store{bucket: bucket, owned: true}, nil
}

// Put encodes r and stores it under key, returning its reference. The
// GeoTIFF is streamed through a snappy framed writer, so payloads have no
// size ceiling and are never buffered whole.
func (s *Store) Put(ctx context.Context, key string, r *raster.Raster) (Entry, error) {
	entry := Entry{Key: key, Width: r.Width, Height: r.Height, Transform: r.Transform, EPSG: raster.EPSG}
	opts := &blob.WriterOptions{
		ContentType: "application/octet-stream",
		Metadata:    entry.metadata(),
	}

	// Cancelling wctx before Close discards a partial write.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := s.bucket.NewWriter(wctx, key, opts)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to create %s: %w", key, err)
	}
	sw := snappy.NewBufferedWriter(w)
	if err := geotiff.Encode(sw, r.Image(), r.Transform.GeoInfo(), nil); err != nil {
		cancel()
		_ = w.Close()
		return Entry{}, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := sw.Close(); err != nil {
		cancel()
		_ = w.Close()
		return Entry{}, fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return Entry{}, fmt.Errorf("failed to write %s: %w", key, err)
	}
	return entry, nil
}

// Stat returns the reference for key from metadata alone. A missing key
// returns an error for which IsNotExist is true.
func (s *Store) Stat(ctx context.Context, key string) (Entry, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	entry, err := entryFromMetadata(key, attrs.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("bad metadata on %s: %w", key, err)
	}
	return entry, nil
}

// Get reads and decodes the raster stored under key.
func (s *Store) Get(ctx context.Context, key string) (*raster.Raster, error) {
	rd, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer rd.Close()

	img, geo, err := geotiff.Decode(snappy.NewReader(rd))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	t := raster.Transform{OriginX: geo.OriginX, OriginY: geo.OriginY, ResX: geo.ScaleX, ResY: geo.ScaleY}
	return raster.FromImage(img, t), nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil && !IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Close releases the store. Stores created by Open also remove everything
// they wrote.
func (s *Store) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	if s.dir != "" {
		s.bucket.Close()
		if err := os.RemoveAll(s.dir); err != nil {
			return fmt.Errorf("failed to remove scratch directory %s: %w", s.dir, err)
		}
		return nil
	}

	var firstErr error
	iter := s.bucket.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			firstErr = fmt.Errorf("failed to list scratch bucket: %w", err)
			break
		}
		if err := s.Delete(ctx, obj.Key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.bucket.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// IsNotExist reports whether err means the key does not exist.
func IsNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

func (e Entry) metadata() map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return map[string]string{
		metaWidth:    strconv.Itoa(e.Width),
		metaHeight:   strconv.Itoa(e.Height),
		metaOriginX:  f(e.Transform.OriginX),
		metaOriginY:  f(e.Transform.OriginY),
		metaResX:     f(e.Transform.ResX),
		metaResY:     f(e.Transform.ResY),
		metaEPSG:     strconv.Itoa(e.EPSG),
		metaEncoding: encoding,
	}
}

func entryFromMetadata(key string, md map[string]string) (Entry, error) {
	if md[metaEncoding] != encoding {
		return Entry{}, fmt.Errorf("unknown encoding %q", md[metaEncoding])
	}

	var err error
	atoi := func(name string) int {
		if err != nil {
			return 0
		}
		var v int
		v, err = strconv.Atoi(md[name])
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
		return v
	}
	atof := func(name string) float64 {
		if err != nil {
			return 0
		}
		var v float64
		v, err = strconv.ParseFloat(md[name], 64)
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
		return v
	}

	e := Entry{
		Key:    key,
		Width:  atoi(metaWidth),
		Height: atoi(metaHeight),
		Transform: raster.Transform{
			OriginX: atof(metaOriginX),
			OriginY: atof(metaOriginY),
			ResX:    atof(metaResX),
			ResY:    atof(metaResY),
		},
		EPSG: atoi(metaEPSG),
	}
	if err != nil {
		return Entry{}, err
	}
	if e.Width <= 0 || e.Height <= 0 {
		return Entry{}, fmt.Errorf("invalid size %dx%d", e.Width, e.Height)
	}
	return e, nil
}
