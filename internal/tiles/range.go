package tiles

import (
	"github.com/paulmach/orb/maptile"
)

// Range represents the min/max row and column bounds of a tile set
type Range struct {
	MinCol int
	MaxCol int
	MinRow int
	MaxRow int
}

// Cols returns the number of columns in the range
func (r Range) Cols() int {
	return r.MaxCol - r.MinCol + 1
}

// Rows returns the number of rows in the range
func (r Range) Rows() int {
	return r.MaxRow - r.MinRow + 1
}

// RangeOf calculates the min/max row and column bounds from a slice of tiles
func RangeOf(ts []maptile.Tile) (Range, error) {
	if len(ts) == 0 {
		return Range{}, configErrorf("no tiles provided")
	}

	r := Range{
		MinCol: int(ts[0].X),
		MaxCol: int(ts[0].X),
		MinRow: int(ts[0].Y),
		MaxRow: int(ts[0].Y),
	}
	for _, t := range ts[1:] {
		col, row := int(t.X), int(t.Y)
		if col < r.MinCol {
			r.MinCol = col
		}
		if col > r.MaxCol {
			r.MaxCol = col
		}
		if row < r.MinRow {
			r.MinRow = row
		}
		if row > r.MaxRow {
			r.MaxRow = row
		}
	}
	return r, nil
}
