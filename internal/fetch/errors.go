package fetch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/paulmach/orb/maptile"

	"basemap-mosaic/internal/tiles"
)

var (
	ErrBlankTile   = errors.New("tile is blank")
	ErrTooLarge    = errors.New("tile response exceeds size limit")
	ErrDecode      = errors.New("tile image could not be decoded")
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrNotStarted  = errors.New("tile fetch not started")
)

// TileError records why one tile could not be fetched. It never aborts the
// rest of the batch.
type TileError struct {
	Tile maptile.Tile
	Err  error
}

func (e *TileError) Error() string {
	return fmt.Sprintf("tile %s: %v", tiles.String(e.Tile), e.Err)
}

func (e *TileError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response from the tile server.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tile request failed with status: %d %s", e.Code, http.StatusText(e.Code))
}

// retryable reports whether another attempt could succeed: transport
// failures, 429 and 5xx.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return !errors.Is(err, ErrTooLarge) && !errors.Is(err, ErrCircuitOpen)
}
