package mosaic

import (
	"testing"

	"basemap-mosaic/internal/raster"
)

func TestPaintAlignedCopiesByOffset(t *testing.T) {
	dst := raster.New(4, 2, raster.Transform{OriginX: 0, OriginY: 2, ResX: 1, ResY: 1})
	src := solid(2, 1, 2, 1, 1, [3]uint8{7, 8, 9})

	paint(dst, src)
	for x := 0; x < 4; x++ {
		want := [3]uint8{}
		if x >= 2 {
			want = [3]uint8{7, 8, 9}
		}
		if got := pixel(dst, x, 1); got != want {
			t.Errorf("pixel(%d,1) = %v, want %v", x, got, want)
		}
		if got := pixel(dst, x, 0); got != ([3]uint8{}) {
			t.Errorf("pixel(%d,0) = %v, want nodata", x, got)
		}
	}
}

func TestPaintHalfPixelOffsetSamplesCentres(t *testing.T) {
	dst := raster.New(4, 1, raster.Transform{OriginX: 0, OriginY: 1, ResX: 1, ResY: 1})
	src := raster.New(2, 1, raster.Transform{OriginX: 0.5, OriginY: 1, ResX: 1, ResY: 1})
	copy(src.Pix, []uint8{10, 10, 10, 20, 20, 20})

	paint(dst, src)
	// Centres 0.5 and 1.5 fall in src pixels 0 and 1; 2.5 is past its east edge.
	want := [][3]uint8{{10, 10, 10}, {20, 20, 20}, {}, {}}
	for x, w := range want {
		if got := pixel(dst, x, 0); got != w {
			t.Errorf("pixel(%d,0) = %v, want %v", x, got, w)
		}
	}
}

func TestPaintFirstSampleWins(t *testing.T) {
	dst := solid(0, 1, 2, 1, 1, [3]uint8{1, 1, 1})
	dst.Pix[3], dst.Pix[4], dst.Pix[5] = 0, 0, 0
	src := solid(0, 1, 2, 1, 1, [3]uint8{5, 5, 5})

	paint(dst, src)
	if got := pixel(dst, 0, 0); got != [3]uint8{1, 1, 1} {
		t.Errorf("filled pixel overwritten: %v", got)
	}
	if got := pixel(dst, 1, 0); got != [3]uint8{5, 5, 5} {
		t.Errorf("empty pixel = %v, want src", got)
	}
}
