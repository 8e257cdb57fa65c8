// Package config loads runtime settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// Config holds every tunable of a mosaic run. CLI flags override it.
type Config struct {
	TileURLTemplate string
	Zoom            int `validate:"gte=0,lte=23"`

	FetchWorkers          int           `validate:"gte=1,lte=512"`
	FetchTimeout          time.Duration `validate:"gt=0"`
	FetchRetries          int           `validate:"gte=0,lte=20"`
	FetchRetryBackoff     time.Duration `validate:"gt=0"`
	FetchBreakerThreshold int           `validate:"gte=0"`
	RejectBlankTiles      bool

	MergeBatchSize  int    `validate:"gte=2"`
	ScratchURL      string
	TileSize        int    `validate:"gte=1,lte=4096"`
	MaxMosaicPixels int64  `validate:"gte=0"`

	CacheEntries int           `validate:"gte=0"`
	RedisAddr    string        `validate:"omitempty,hostname_port"`
	CacheTTL     time.Duration `validate:"gte=0"`

	LogLevel    string `validate:"oneof=debug info warn error disabled"`
	LogConsole  bool
	MetricsAddr string `validate:"omitempty,hostname_port"`

	PostHogAPIKey string
	PostHogHost   string `validate:"omitempty,url"`
}

// Load reads configuration from the environment with defaults. Values from
// files (default ".env") fill in variables the environment leaves unset; a
// missing file is not an error.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	dotenv := map[string]string{}
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		for k, v := range vals {
			if _, ok := dotenv[k]; !ok {
				dotenv[k] = v
			}
		}
	}

	e := env{file: dotenv}
	cfg := &Config{
		TileURLTemplate:       e.getString("TILE_URL_TEMPLATE", ""),
		Zoom:                  e.getInt("ZOOM", 15),
		FetchWorkers:          e.getInt("FETCH_WORKERS", 20),
		FetchTimeout:          e.getDuration("FETCH_TIMEOUT", 20*time.Second),
		FetchRetries:          e.getInt("FETCH_RETRIES", 0),
		FetchRetryBackoff:     e.getDuration("FETCH_RETRY_BACKOFF", time.Second),
		FetchBreakerThreshold: e.getInt("FETCH_BREAKER_THRESHOLD", 0),
		RejectBlankTiles:      e.getBool("REJECT_BLANK_TILES", false),
		MergeBatchSize:        e.getInt("MERGE_BATCH_SIZE", 500),
		ScratchURL:            e.getString("SCRATCH_URL", ""),
		TileSize:              e.getInt("TILE_SIZE", 256),
		MaxMosaicPixels:       e.getInt64("MAX_MOSAIC_PIXELS", 0),
		CacheEntries:          e.getInt("CACHE_ENTRIES", 0),
		RedisAddr:             e.getString("REDIS_ADDR", ""),
		CacheTTL:              e.getDuration("CACHE_TTL", 24*time.Hour),
		LogLevel:              e.getString("LOG_LEVEL", "info"),
		LogConsole:            e.getBool("LOG_CONSOLE", false),
		MetricsAddr:           e.getString("METRICS_ADDR", ""),
		PostHogAPIKey:         e.getString("POSTHOG_API_KEY", ""),
		PostHogHost:           e.getString("POSTHOG_HOST", "https://us.i.posthog.com"),
	}
	if e.err != nil {
		return nil, e.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges. Call it again after applying overrides.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// env looks variables up in the process environment, then the .env values,
// and keeps the first parse error.
type env struct {
	file map[string]string
	err  error
}

func (e *env) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	v, ok := e.file[key]
	return v, ok && v != ""
}

func (e *env) getString(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *env) getInt(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *env) getInt64(key string, def int64) int64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *env) getBool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *env) getDuration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}
