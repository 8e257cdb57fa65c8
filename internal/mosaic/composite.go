package mosaic

import (
	"math"

	"basemap-mosaic/internal/raster"
	"basemap-mosaic/internal/scratch"
)

// grid returns the output grid covering the union of entries at the
// resolution of the first one.
func grid(entries []scratch.Entry) *raster.Raster {
	res := entries[0].Transform
	west, south, east, north := entries[0].Bounds()
	for _, e := range entries[1:] {
		w, s, ea, n := e.Bounds()
		west, south = math.Min(west, w), math.Min(south, s)
		east, north = math.Max(east, ea), math.Max(north, n)
	}

	width := int(math.Ceil((east-west)/res.ResX - 1e-6))
	height := int(math.Ceil((north-south)/res.ResY - 1e-6))
	return raster.New(width, height, raster.Transform{
		OriginX: west,
		OriginY: north,
		ResX:    res.ResX,
		ResY:    res.ResY,
	})
}

// paint copies src into dst wherever dst is still empty and src has data.
// Grids with the same pixel size and a whole-pixel offset are copied row by
// row; other inputs are sampled nearest-neighbour at dst pixel centres.
func paint(dst, src *raster.Raster) {
	dt, st := dst.Transform, src.Transform
	fcol := (st.OriginX - dt.OriginX) / dt.ResX
	frow := (dt.OriginY - st.OriginY) / dt.ResY
	if dt.SameResolution(st) && wholePixel(fcol) && wholePixel(frow) {
		col0, row0 := int(math.Round(fcol)), int(math.Round(frow))
		for y := 0; y < src.Height; y++ {
			dy := row0 + y
			if dy < 0 || dy >= dst.Height {
				continue
			}
			srow, drow := src.RGBRow(y), dst.RGBRow(dy)
			for x := 0; x < src.Width; x++ {
				dx := col0 + x
				if dx < 0 || dx >= dst.Width {
					continue
				}
				fill(drow[dx*raster.Channels:], srow[x*raster.Channels:])
			}
		}
		return
	}

	west, south, east, north := src.Bounds()
	c0 := max(0, int(math.Floor((west-dt.OriginX)/dt.ResX)))
	c1 := min(dst.Width, int(math.Ceil((east-dt.OriginX)/dt.ResX)))
	r0 := max(0, int(math.Floor((dt.OriginY-north)/dt.ResY)))
	r1 := min(dst.Height, int(math.Ceil((dt.OriginY-south)/dt.ResY)))
	for dy := r0; dy < r1; dy++ {
		_, y := dt.Apply(0, float64(dy)+0.5)
		sy := int(math.Floor((st.OriginY - y) / st.ResY))
		if sy < 0 || sy >= src.Height {
			continue
		}
		srow, drow := src.RGBRow(sy), dst.RGBRow(dy)
		for dx := c0; dx < c1; dx++ {
			x, _ := dt.Apply(float64(dx)+0.5, 0)
			sx := int(math.Floor((x - st.OriginX) / st.ResX))
			if sx < 0 || sx >= src.Width {
				continue
			}
			fill(drow[dx*raster.Channels:], srow[sx*raster.Channels:])
		}
	}
}

// wholePixel reports whether a pixel offset is integral up to float noise.
// Rounding a fractional offset would shift src by up to half a pixel.
func wholePixel(off float64) bool {
	return math.Abs(off-math.Round(off)) < 1e-6
}

// fill writes one pixel; the first non-empty sample wins.
func fill(dst, src []byte) {
	if dst[0]|dst[1]|dst[2] != 0 || src[0]|src[1]|src[2] == 0 {
		return
	}
	dst[0], dst[1], dst[2] = src[0], src[1], src[2]
}
