package mosaic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"basemap-mosaic/internal/raster"
	"basemap-mosaic/internal/scratch"
	"basemap-mosaic/internal/tiles"
)

func openStore(t *testing.T) (*blob.Bucket, *scratch.Store) {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return bucket, scratch.New(bucket)
}

func put(t *testing.T, store *scratch.Store, key string, r *raster.Raster) scratch.Entry {
	t.Helper()
	e, err := store.Put(context.Background(), key, r)
	if err != nil {
		t.Fatalf("Put %s: %v", key, err)
	}
	return e
}

// tileRaster returns an 8x8 raster for tile whose samples encode its position.
// Pixels where hole returns true are left empty.
func tileRaster(tile maptile.Tile, hole func(x, y int) bool) *raster.Raster {
	minX, minY, maxX, maxY := tiles.MercatorBounds(tile)
	r := raster.New(8, 8, raster.FromBounds(minX, minY, maxX, maxY, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if hole != nil && hole(x, y) {
				continue
			}
			i := (y*8 + x) * raster.Channels
			r.Pix[i] = uint8(1 + tile.X)
			r.Pix[i+1] = uint8(1 + tile.Y)
			r.Pix[i+2] = uint8(1 + x + 8*y)
		}
	}
	return r
}

// solid returns a raster on a simple metre grid filled with one colour.
func solid(originX, originY float64, w, h int, res float64, c [3]uint8) *raster.Raster {
	r := raster.New(w, h, raster.Transform{OriginX: originX, OriginY: originY, ResX: res, ResY: res})
	for i := 0; i < len(r.Pix); i += 3 {
		r.Pix[i], r.Pix[i+1], r.Pix[i+2] = c[0], c[1], c[2]
	}
	return r
}

func pixel(r *raster.Raster, x, y int) [3]uint8 {
	i := (y*r.Width + x) * raster.Channels
	return [3]uint8{r.Pix[i], r.Pix[i+1], r.Pix[i+2]}
}

func mustMerge(t *testing.T, store *scratch.Store, batchSize int, entries []scratch.Entry) *raster.Raster {
	t.Helper()
	out, err := NewMerger(store, batchSize, zerolog.Nop()).Merge(context.Background(), entries)
	if err != nil {
		t.Fatalf("Merge(batch=%d): %v", batchSize, err)
	}
	return out
}

func assertSame(t *testing.T, a, b *raster.Raster) {
	t.Helper()
	if a.Width != b.Width || a.Height != b.Height || a.Transform != b.Transform {
		t.Fatalf("grids differ: %v %+v vs %v %+v", a, a.Transform, b, b.Transform)
	}
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Fatal("pixels differ")
	}
}

func TestMergeFourTiles(t *testing.T) {
	_, store := openStore(t)
	var entries []scratch.Entry
	for _, tile := range []maptile.Tile{
		maptile.New(1, 1, 2), maptile.New(2, 1, 2), maptile.New(1, 2, 2), maptile.New(2, 2, 2),
	} {
		entries = append(entries, put(t, store, fmt.Sprintf("tiles/%d_%d", tile.X, tile.Y), tileRaster(tile, nil)))
	}

	out := mustMerge(t, store, DefaultBatchSize, entries)
	if out.Width != 16 || out.Height != 16 {
		t.Fatalf("mosaic is %dx%d, want 16x16", out.Width, out.Height)
	}
	minX, _, _, maxY := tiles.MercatorBounds(maptile.New(1, 1, 2))
	if out.Transform.OriginX != minX || out.Transform.OriginY != maxY {
		t.Errorf("origin = %v,%v want %v,%v", out.Transform.OriginX, out.Transform.OriginY, minX, maxY)
	}
	// Bottom-right quadrant comes from tile (2,2), pixel (3,5) of that tile.
	if got, want := pixel(out, 8+3, 8+5), [3]uint8{3, 3, uint8(1 + 3 + 8*5)}; got != want {
		t.Errorf("pixel = %v, want %v", got, want)
	}
}

func TestMergeFirstWins(t *testing.T) {
	_, store := openStore(t)
	// a has data only in its left half.
	a := solid(0, 4, 4, 4, 1, [3]uint8{200, 0, 0})
	for y := 0; y < 4; y++ {
		for x := 2; x < 4; x++ {
			copy(a.Pix[(y*4+x)*3:], []uint8{0, 0, 0})
		}
	}
	b := solid(0, 4, 4, 4, 1, [3]uint8{0, 0, 200})
	ea, eb := put(t, store, "a", a), put(t, store, "b", b)

	out := mustMerge(t, store, 10, []scratch.Entry{ea, eb})
	if got := pixel(out, 0, 0); got != [3]uint8{200, 0, 0} {
		t.Errorf("left pixel = %v, want first input", got)
	}
	if got := pixel(out, 3, 3); got != [3]uint8{0, 0, 200} {
		t.Errorf("right pixel = %v, want second input filling the hole", got)
	}

	out = mustMerge(t, store, 10, []scratch.Entry{eb, ea})
	if got := pixel(out, 0, 0); got != [3]uint8{0, 0, 200} {
		t.Errorf("reversed order pixel = %v, want b", got)
	}
}

// overlapping returns entries that overlap by whole pixels with holes, so
// grouping mistakes show up as pixel differences.
func overlapping(t *testing.T, store *scratch.Store, n int) []scratch.Entry {
	t.Helper()
	var entries []scratch.Entry
	for i := 0; i < n; i++ {
		r := solid(float64(i*3), float64(10+i%3), 6, 5, 1, [3]uint8{uint8(10 * (i + 1)), uint8(i), 7})
		for p := 0; p < r.Width*r.Height; p++ {
			if (p+i)%4 == 0 {
				copy(r.Pix[p*3:], []uint8{0, 0, 0})
			}
		}
		entries = append(entries, put(t, store, fmt.Sprintf("in/%02d", i), r))
	}
	return entries
}

func TestMergeIsAssociative(t *testing.T) {
	_, store := openStore(t)
	entries := overlapping(t, store, 4)

	whole := mustMerge(t, store, 4, entries)
	pairs := mustMerge(t, store, 2, entries)
	assertSame(t, whole, pairs)

	// [A,B] and [C,D] merged separately, then their results merged.
	ab := put(t, store, "ab", mustMerge(t, store, 10, entries[:2]))
	cd := put(t, store, "cd", mustMerge(t, store, 10, entries[2:]))
	assertSame(t, whole, mustMerge(t, store, 10, []scratch.Entry{ab, cd}))
}

func TestMergeBatchBoundary(t *testing.T) {
	_, store := openStore(t)
	entries := overlapping(t, store, 6)
	assertSame(t, mustMerge(t, store, 6, entries), mustMerge(t, store, 5, entries))
}

func TestMergeDeepReductionCleansBatches(t *testing.T) {
	bucket, store := openStore(t)
	entries := overlapping(t, store, 11)

	assertSame(t, mustMerge(t, store, 11, entries), mustMerge(t, store, 2, entries))

	iter := bucket.List(&blob.ListOptions{Prefix: "batches/"})
	for {
		obj, err := iter.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		t.Errorf("batch mosaic %s left in scratch", obj.Key)
	}
	// Inputs belong to the caller and are kept.
	if ok, _ := bucket.Exists(context.Background(), entries[0].Key); !ok {
		t.Error("input deleted by merge")
	}
}

func TestMergeResamplesDifferentResolution(t *testing.T) {
	_, store := openStore(t)
	fine := raster.New(4, 4, raster.Transform{OriginX: 0, OriginY: 4, ResX: 1, ResY: 1})
	coarse := raster.New(2, 2, raster.Transform{OriginX: 0, OriginY: 4, ResX: 2, ResY: 2})
	for i := range coarse.Pix {
		coarse.Pix[i] = uint8(i + 1)
	}
	out := mustMerge(t, store, 10, []scratch.Entry{put(t, store, "fine", fine), put(t, store, "coarse", coarse)})

	if out.Width != 4 || out.Transform.ResX != 1 {
		t.Fatalf("mosaic %v res %v, want 4 wide at res 1", out, out.Transform.ResX)
	}
	if got, want := pixel(out, 3, 3), pixel(coarse, 1, 1); got != want {
		t.Errorf("pixel(3,3) = %v, want %v", got, want)
	}
	if got, want := pixel(out, 1, 0), pixel(coarse, 0, 0); got != want {
		t.Errorf("pixel(1,0) = %v, want %v", got, want)
	}
}

func TestMergeEmpty(t *testing.T) {
	_, store := openStore(t)
	_, err := NewMerger(store, 0, zerolog.Nop()).Merge(context.Background(), nil)
	var me *MergeError
	if !errors.As(err, &me) || !errors.Is(err, ErrNoInputs) {
		t.Fatalf("err = %v, want MergeError(ErrNoInputs)", err)
	}
}

func TestMergeNothingOpens(t *testing.T) {
	_, store := openStore(t)
	entries := []scratch.Entry{{Key: "missing/1"}, {Key: "missing/2"}, {Key: "missing/3"}}
	for _, batch := range []int{10, 1} {
		_, err := NewMerger(store, batch, zerolog.Nop()).Merge(context.Background(), entries)
		var me *MergeError
		if !errors.As(err, &me) || !errors.Is(err, ErrNothingOpened) {
			t.Fatalf("batch %d: err = %v, want MergeError(ErrNothingOpened)", batch, err)
		}
	}
}

func TestMergeSkipsMissingEntries(t *testing.T) {
	_, store := openStore(t)
	good := put(t, store, "good", solid(0, 2, 2, 2, 1, [3]uint8{1, 2, 3}))
	out := mustMerge(t, store, 10, []scratch.Entry{{Key: "gone"}, good})
	if out.Width != 2 || pixel(out, 1, 1) != [3]uint8{1, 2, 3} {
		t.Errorf("mosaic = %v", out)
	}
}

func TestMergeFailsOnCorruptEntry(t *testing.T) {
	bucket, store := openStore(t)
	good := put(t, store, "good", solid(0, 2, 2, 2, 1, [3]uint8{1, 2, 3}))

	attrs, err := bucket.Attributes(context.Background(), "good")
	if err != nil {
		t.Fatal(err)
	}
	opts := &blob.WriterOptions{Metadata: attrs.Metadata}
	if err := bucket.WriteAll(context.Background(), "bad", []byte("garbage"), opts); err != nil {
		t.Fatal(err)
	}

	_, err = NewMerger(store, 10, zerolog.Nop()).Merge(context.Background(), []scratch.Entry{good, {Key: "bad"}})
	var me *MergeError
	if !errors.As(err, &me) || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("err = %v, want MergeError naming the corrupt key", err)
	}
}
