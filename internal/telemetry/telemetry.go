// Package telemetry reports run outcomes to PostHog. Without an API key every
// call is a no-op.
package telemetry

import (
	"github.com/posthog/posthog-go"
	"github.com/rs/zerolog"
)

// Tracker records product events.
type Tracker interface {
	Track(event string, props map[string]interface{})
	Close() error
}

// New returns a PostHog tracker, or a no-op tracker when apiKey is empty or
// the client cannot be created.
func New(apiKey, host, distinctID string, logger zerolog.Logger) Tracker {
	if apiKey == "" {
		return Nop()
	}
	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: host})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize PostHog")
		return Nop()
	}
	if distinctID == "" {
		distinctID = "basemap-mosaic"
	}
	return &posthogTracker{client: client, distinctID: distinctID}
}

type posthogTracker struct {
	client     posthog.Client
	distinctID string
}

func (t *posthogTracker) Track(event string, props map[string]interface{}) {
	_ = t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: props,
	})
}

// Close flushes queued events.
func (t *posthogTracker) Close() error {
	return t.client.Close()
}

type nopTracker struct{}

// Nop returns a tracker that discards events.
func Nop() Tracker { return nopTracker{} }

func (nopTracker) Track(string, map[string]interface{}) {}
func (nopTracker) Close() error                         { return nil }
