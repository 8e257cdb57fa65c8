package naming

import (
	"strings"

	"github.com/paulmach/orb/maptile"
)

// Quadkey generates the Bing-style quadkey for a tile: one base-4 digit per
// zoom level, most significant level first. Zoom 0 yields "".
func Quadkey(t maptile.Tile) string {
	var quadkey strings.Builder
	for i := int(t.Z); i > 0; i-- {
		digit := 0
		mask := uint32(1) << (i - 1)
		if (t.X & mask) != 0 {
			digit++
		}
		if (t.Y & mask) != 0 {
			digit += 2
		}
		quadkey.WriteByte(byte('0' + digit))
	}
	return quadkey.String()
}
