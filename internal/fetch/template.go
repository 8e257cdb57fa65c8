package fetch

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"

	"basemap-mosaic/internal/tiles"
	"basemap-mosaic/internal/utils/naming"
)

// Expand substitutes the tile coordinate into template. Supported
// placeholders: {z} {x} {y}, {-y} (TMS row) and {q} (quadkey).
func Expand(template string, t maptile.Tile) string {
	tmsY := (uint32(1) << uint32(t.Z)) - 1 - t.Y
	return strings.NewReplacer(
		"{z}", strconv.Itoa(int(t.Z)),
		"{x}", strconv.FormatUint(uint64(t.X), 10),
		"{y}", strconv.FormatUint(uint64(t.Y), 10),
		"{-y}", strconv.FormatUint(uint64(tmsY), 10),
		"{q}", naming.Quadkey(t),
	).Replace(template)
}

// ValidateTemplate checks that template addresses individual tiles over HTTP(S).
func ValidateTemplate(template string) error {
	hasXYZ := strings.Contains(template, "{z}") && strings.Contains(template, "{x}") &&
		(strings.Contains(template, "{y}") || strings.Contains(template, "{-y}"))
	if !hasXYZ && !strings.Contains(template, "{q}") {
		return &tiles.ConfigError{Reason: "URL template needs {z}/{x}/{y}, {-y} or {q} placeholders"}
	}

	u, err := url.Parse(Expand(template, maptile.New(0, 0, 1)))
	if err != nil {
		return &tiles.ConfigError{Reason: "URL template does not parse: " + err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &tiles.ConfigError{Reason: "URL template must use http or https, got " + strconv.Quote(u.Scheme)}
	}
	if u.Host == "" {
		return &tiles.ConfigError{Reason: "URL template has no host"}
	}
	return nil
}
