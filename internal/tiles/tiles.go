package tiles

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/maptile"
)

// Constants for validation
const (
	MinZoom = 0
	MaxZoom = 23

	MinLat = -85.05112877980659 // Web Mercator limit
	MaxLat = 85.05112877980659
	MinLon = -180.0
	MaxLon = 180.0

	// Earth's equator in meters; the width of the Web Mercator plane.
	Equator = 40075016.685578
)

// edgeEpsilon pulls the east/south corner inside the box so that a box ending
// exactly on a tile edge does not include the neighbouring tile.
const edgeEpsilon = 1e-11

// BoundingBox represents a geographic bounding box in degrees
type BoundingBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// ConfigError reports a request that cannot be enumerated. It is raised
// before any network activity.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid request: " + e.Reason
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks if the bounding box is valid. A zero-area box is accepted.
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.West, b.South, b.East, b.North} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return configErrorf("bounding box has non-finite coordinate: %+v", b)
		}
	}
	if b.South > b.North {
		return configErrorf("south (%f) must not exceed north (%f)", b.South, b.North)
	}
	if b.West > b.East {
		return configErrorf("west (%f) must not exceed east (%f)", b.West, b.East)
	}
	if b.South < -90 || b.North > 90 {
		return configErrorf("latitude out of range [-90, 90]: south=%f, north=%f", b.South, b.North)
	}
	if b.West < MinLon || b.East > MaxLon {
		return configErrorf("longitude out of range [-180, 180]: west=%f, east=%f", b.West, b.East)
	}
	if b.North < MinLat || b.South > MaxLat {
		return configErrorf("bounding box lies outside the Web Mercator latitude range [%f, %f]", MinLat, MaxLat)
	}
	return nil
}

// ValidateZoom checks the zoom level against the supported pyramid depth.
func ValidateZoom(zoom int) error {
	if zoom < MinZoom || zoom > MaxZoom {
		return configErrorf("zoom level %d out of range [%d, %d]", zoom, MinZoom, MaxZoom)
	}
	return nil
}

// Valid checks that a tile's column and row fall inside its zoom level.
func Valid(t maptile.Tile) error {
	if err := ValidateZoom(int(t.Z)); err != nil {
		return err
	}
	maxTile := uint32(1)<<uint32(t.Z) - 1
	if t.X > maxTile || t.Y > maxTile {
		return configErrorf("tile %d/%d/%d out of range [0, %d]", t.Z, t.X, t.Y, maxTile)
	}
	return nil
}

// Enumerate returns every tile at zoom whose footprint intersects bbox,
// ordered by ascending row and then column.
func Enumerate(bbox BoundingBox, zoom int) ([]maptile.Tile, error) {
	if err := ValidateZoom(zoom); err != nil {
		return nil, err
	}
	if err := bbox.Validate(); err != nil {
		return nil, err
	}

	north := math.Min(bbox.North, MaxLat)
	south := math.Max(bbox.South, MinLat)

	minCol, minRow := LonLatToTile(bbox.West, north, zoom)
	maxCol, maxRow := LonLatToTile(
		math.Max(bbox.East-edgeEpsilon, bbox.West),
		math.Min(south+edgeEpsilon, north),
		zoom,
	)
	if maxCol < minCol {
		maxCol = minCol
	}
	if maxRow < minRow {
		maxRow = minRow
	}

	tiles := make([]maptile.Tile, 0, (maxCol-minCol+1)*(maxRow-minRow+1))
	z := maptile.Zoom(zoom)
	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			tiles = append(tiles, maptile.New(uint32(col), uint32(row), z))
		}
	}

	if len(tiles) == 0 {
		return nil, configErrorf("no tiles in bounding box %+v at zoom %d", bbox, zoom)
	}
	return tiles, nil
}

// LonLatToTile converts longitude/latitude to tile column/row, clamped to the pyramid.
func LonLatToTile(lon, lat float64, zoom int) (col, row int) {
	n := math.Exp2(float64(zoom))
	latRad := lat * math.Pi / 180.0
	x := math.Floor((lon + 180.0) / 360.0 * n)
	y := math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)

	maxTile := int(n) - 1
	return clamp(int(x), 0, maxTile), clamp(int(y), 0, maxTile)
}

// TileToWebMercator converts tile column/row at a zoom level to Web Mercator coordinates
// Returns the top-left corner of the tile
func TileToWebMercator(col, row, zoom int) (x, y float64) {
	n := math.Exp2(float64(zoom))
	x = (float64(col)/n - 0.5) * Equator
	y = (0.5 - float64(row)/n) * Equator
	return x, y
}

// MercatorBounds returns the tile footprint in Web Mercator metres (minX, minY, maxX, maxY).
func MercatorBounds(t maptile.Tile) (minX, minY, maxX, maxY float64) {
	z := int(t.Z)
	minX, maxY = TileToWebMercator(int(t.X), int(t.Y), z)
	maxX, minY = TileToWebMercator(int(t.X)+1, int(t.Y)+1, z)
	return minX, minY, maxX, maxY
}

// String formats a tile as z/x/y.
func String(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
