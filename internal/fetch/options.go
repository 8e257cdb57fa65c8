package fetch

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"basemap-mosaic/internal/cache"
)

const (
	DefaultWorkers      = 20
	DefaultTimeout      = 20 * time.Second
	DefaultUserAgent    = "basemap-mosaic/1.0"
	DefaultMaxTileBytes = 16 << 20
)

// Options configures a Fetcher. The zero value of every field selects its default.
type Options struct {
	// Workers bounds the number of tiles fetched concurrently.
	// Default: 20
	Workers int

	// Timeout applies to each HTTP request.
	// Default: 20s
	Timeout time.Duration

	// Retries is the number of extra attempts after a transport error,
	// 429 or 5xx. Default: 0
	Retries int

	// RetryBackoff is the initial backoff; it doubles per attempt up to
	// RetryMaxBackoff. Defaults: 1s, 30s
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	// BreakerThreshold opens the circuit after this many consecutive
	// retryable failures. 0 disables the breaker.
	BreakerThreshold int

	// RejectBlank treats tiles matching Blank as failures.
	RejectBlank bool
	Blank       BlankRule

	UserAgent    string
	MaxTileBytes int64

	// Client overrides the HTTP client. Its Timeout is left untouched;
	// per-request timeouts come from Timeout.
	Client *http.Client

	// Cache holds raw tile bytes keyed by template and coordinate. Optional.
	Cache cache.TileCache

	Logger zerolog.Logger

	// OnProgress is called after each tile completes, serialized.
	OnProgress func(done, total int)
}

// DefaultOptions returns options with defaults filled in and logging disabled.
func DefaultOptions() Options {
	return Options{Logger: zerolog.Nop()}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.RetryMaxBackoff <= 0 {
		o.RetryMaxBackoff = 30 * time.Second
	}
	o.Blank = o.Blank.withDefaults()
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.MaxTileBytes <= 0 {
		o.MaxTileBytes = DefaultMaxTileBytes
	}
	if o.Client == nil {
		o.Client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: o.Workers,
				MaxIdleConns:        o.Workers * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return o
}
