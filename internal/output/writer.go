// Package output writes finished mosaics as GeoTIFF files.
package output

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"basemap-mosaic/internal/observability"
	"basemap-mosaic/internal/raster"
	"basemap-mosaic/pkg/geotiff"
)

// Software is recorded in the TIFF Software tag.
const Software = "basemap-mosaic"

// WriteError is an I/O failure while writing the output file. It is not retried.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Metadata is stored alongside the pixels.
type Metadata struct {
	Description string
}

// Write saves m to path as a 3-channel 8-bit GeoTIFF.
func Write(m *raster.Raster, path string) error {
	return WriteWithMetadata(m, path, Metadata{})
}

// WriteWithMetadata saves m to path. The file is written under a temporary
// name in the same directory and renamed into place, so path never holds a
// partial file.
func WriteWithMetadata(m *raster.Raster, path string, md Metadata) error {
	if m == nil || m.Width <= 0 || m.Height <= 0 {
		return &WriteError{Path: path, Err: errors.New("mosaic is empty")}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &WriteError{Path: path, Err: fmt.Errorf("failed to create output directory: %w", err)}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &WriteError{Path: path, Err: fmt.Errorf("failed to create file: %w", err)}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	tags := map[uint16]interface{}{
		geotiff.TagType_Software: Software,
		geotiff.TagType_DateTime: time.Now().UTC().Format("2006:01:02 15:04:05"),
	}
	if md.Description != "" {
		tags[geotiff.TagType_ImageDescription] = md.Description
	}

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err := geotiff.Encode(bw, m.Image(), m.Transform.GeoInfo(), tags); err != nil {
		tmp.Close()
		return &WriteError{Path: path, Err: fmt.Errorf("failed to encode GeoTIFF: %w", err)}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &WriteError{Path: path, Err: err}
	}

	if info, err := os.Stat(path); err == nil {
		observability.SetOutputBytes(info.Size())
	}
	return nil
}
