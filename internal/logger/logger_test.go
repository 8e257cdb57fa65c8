package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestBuildWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := WithRunID(Build(Config{Level: "info", Component: "fetch"}, &buf), "abc")
	l.Info().Str("tile", "1/2/3").Msg("fetched")
	l.Debug().Msg("hidden")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1:\n%s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(lines[0], &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k, want := range map[string]string{
		"level": "info", "msg": "fetched", "component": "fetch", "run_id": "abc", "tile": "1/2/3",
	} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %q", k, rec[k], want)
		}
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel, " WARN ": zerolog.WarnLevel, "error": zerolog.ErrorLevel,
		"off": zerolog.Disabled, "": zerolog.InfoLevel, "nonsense": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if len(a) != 16 || a == b {
		t.Errorf("NewID returned %q, %q", a, b)
	}
}
