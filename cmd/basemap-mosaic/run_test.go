package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTileServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: 90, G: 120, B: 60, A: 255})
			}
		}
		var buf bytes.Buffer
		_ = png.Encode(&buf, img)
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

// baseArgs points at a missing .env so the working directory does not leak in.
func baseArgs(t *testing.T, extra ...string) []string {
	t.Helper()
	return append([]string{"-env", filepath.Join(t.TempDir(), "missing.env")}, extra...)
}

func TestRunWritesMosaic(t *testing.T) {
	srv := newTileServer(t, http.StatusOK)
	dir := t.TempDir()

	var stderr bytes.Buffer
	code := run(baseArgs(t,
		"-bbox", "-45,-30,45,30",
		"-zoom", "2",
		"-url", srv.URL+"/{z}/{x}/{y}.png",
		"-save-dir", dir,
		"-name", "equator",
		"-period", "2024-06",
		"-workers", "2",
	), &stderr)
	if code != ExitSuccess {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "equator_2024-06.tif")); err != nil {
		t.Errorf("output missing: %v", err)
	}
}

func TestRunExitCodes(t *testing.T) {
	ok := newTileServer(t, http.StatusOK)
	broken := newTileServer(t, http.StatusInternalServerError)

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		args []string
		want int
	}{
		{"missing bbox", []string{"-url", ok.URL + "/{z}/{x}/{y}.png", "-out", "x.tif"}, ExitInvalidArgs},
		{"short bbox", []string{"-bbox", "1,2,3", "-url", ok.URL + "/{z}/{x}/{y}.png", "-out", "x.tif"}, ExitInvalidArgs},
		{"inverted bbox", []string{"-bbox", "10,0,5,1", "-url", ok.URL + "/{z}/{x}/{y}.png", "-out", "x.tif"}, ExitInvalidArgs},
		{"no output", []string{"-bbox", "-45,-30,45,30", "-url", ok.URL + "/{z}/{x}/{y}.png"}, ExitInvalidArgs},
		{"bad template", []string{"-bbox", "-45,-30,45,30", "-zoom", "2", "-url", "ftp://host/tile", "-out", "x.tif"}, ExitInvalidArgs},
		{"unknown flag", []string{"-frobnicate"}, ExitInvalidArgs},
		{"mosaic too large", []string{"-bbox", "-45,-30,45,30", "-zoom", "2", "-url", ok.URL + "/{z}/{x}/{y}.png", "-max-pixels", "1000", "-out", filepath.Join(t.TempDir(), "x.tif")}, ExitInvalidArgs},
		{"nothing fetched", []string{"-bbox", "-45,-30,45,30", "-zoom", "2", "-url", broken.URL + "/{z}/{x}/{y}.png", "-out", filepath.Join(t.TempDir(), "x.tif")}, ExitMosaicFailed},
		{"unwritable output", []string{"-bbox", "-45,-30,45,30", "-zoom", "2", "-url", ok.URL + "/{z}/{x}/{y}.png", "-out", filepath.Join(blocker, "x.tif")}, ExitWriteError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stderr bytes.Buffer
			if got := run(baseArgs(t, tc.args...), &stderr); got != tc.want {
				t.Errorf("exit = %d, want %d\n%s", got, tc.want, stderr.String())
			}
		})
	}
}

func TestParseBBox(t *testing.T) {
	box, err := parseBBox(" 13.3, 52.4,13.6 ,52.6")
	if err != nil {
		t.Fatalf("parseBBox: %v", err)
	}
	if box.West != 13.3 || box.South != 52.4 || box.East != 13.6 || box.North != 52.6 {
		t.Errorf("box = %+v", box)
	}
	for _, s := range []string{"", "a,b,c,d", "1,2,3,4,5"} {
		if _, err := parseBBox(s); err == nil {
			t.Errorf("parseBBox(%q) succeeded", s)
		}
	}
}

func TestOutputPath(t *testing.T) {
	got, err := outputPath("", "/data", "berlin", "2024-06")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("/data", "berlin_2024-06.tif"); got != want {
		t.Errorf("outputPath = %q, want %q", got, want)
	}
	if got, _ := outputPath("a.tif", "/data", "x", "y"); got != "a.tif" {
		t.Errorf("explicit -out ignored: %q", got)
	}
}
