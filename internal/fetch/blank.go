package fetch

import "basemap-mosaic/internal/raster"

// BlankRule decides when a decoded tile is a placeholder rather than imagery.
// Servers return uniform white, black or flat tiles where they have no data at
// the requested zoom. Thresholds are in 8-bit sample units.
type BlankRule struct {
	// Grid is the number of samples taken along each axis. Default: 8
	Grid int

	// A sample is white when every channel is >= WhiteMin, black when every
	// channel is <= BlackMax. Nodata pixels count as black.
	// Defaults: 245, 9
	WhiteMin uint8
	BlackMax uint8

	// DominantPercent of white or black samples marks the tile blank. Default: 90
	DominantPercent int

	// MaxVariance is the mean per-channel variance below which the tile is
	// flat. Default: 30
	MaxVariance float64
}

// DefaultBlankRule returns the rule used when Options.Blank is zero.
func DefaultBlankRule() BlankRule {
	return BlankRule{Grid: 8, WhiteMin: 245, BlackMax: 9, DominantPercent: 90, MaxVariance: 30}
}

func (b BlankRule) withDefaults() BlankRule {
	if b == (BlankRule{}) {
		return DefaultBlankRule()
	}
	// BlackMax and MaxVariance keep zero: pure black only, flatness check off.
	d := DefaultBlankRule()
	if b.Grid <= 0 {
		b.Grid = d.Grid
	}
	if b.WhiteMin == 0 {
		b.WhiteMin = d.WhiteMin
	}
	if b.DominantPercent <= 0 {
		b.DominantPercent = d.DominantPercent
	}
	return b
}

// Blank samples r at the centres of a Grid x Grid lattice.
func (b BlankRule) Blank(r *raster.Raster) bool {
	if r.Width == 0 || r.Height == 0 {
		return true
	}

	var n, white, black int
	var sum, sumSq [raster.Channels]float64
	for gy := 0; gy < b.Grid; gy++ {
		y := (2*gy + 1) * r.Height / (2 * b.Grid)
		row := r.RGBRow(y)
		for gx := 0; gx < b.Grid; gx++ {
			x := (2*gx + 1) * r.Width / (2 * b.Grid)
			px := row[x*raster.Channels : (x+1)*raster.Channels]
			n++

			switch {
			case r.Empty(x, y), px[0] <= b.BlackMax && px[1] <= b.BlackMax && px[2] <= b.BlackMax:
				black++
			case px[0] >= b.WhiteMin && px[1] >= b.WhiteMin && px[2] >= b.WhiteMin:
				white++
			}
			for c, v := range px {
				sum[c] += float64(v)
				sumSq[c] += float64(v) * float64(v)
			}
		}
	}

	if white*100 > b.DominantPercent*n || black*100 > b.DominantPercent*n {
		return true
	}

	var variance float64
	for c := range sum {
		mean := sum[c] / float64(n)
		variance += sumSq[c]/float64(n) - mean*mean
	}
	return variance/raster.Channels < b.MaxVariance
}
