package naming

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// Extension is the file extension of mosaic outputs.
const Extension = ".tif"

// Filename creates the output filename for an area and period.
// Format: {area}_{period}.tif
func Filename(area, period string) string {
	return fmt.Sprintf("%s_%s%s", sanitize(area), sanitize(period), Extension)
}

// ScratchTileKey names a fetched tile in scratch storage.
// Format: tiles/{z}_{x}_{y}.tif
func ScratchTileKey(t maptile.Tile) string {
	return fmt.Sprintf("tiles/%d_%d_%d%s", t.Z, t.X, t.Y, Extension)
}

// ScratchBatchKey names an intermediate batch mosaic in scratch storage.
// Format: batches/{level}/{index}.tif
func ScratchBatchKey(level, index int) string {
	return fmt.Sprintf("batches/%d/%06d%s", level, index, Extension)
}

// sanitize replaces path separators so a name cannot escape its directory.
func sanitize(s string) string {
	return strings.NewReplacer("/", "-", "\\", "-").Replace(strings.TrimSpace(s))
}
