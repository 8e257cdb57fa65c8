// Package raster holds the in-memory form shared by fetched tiles and mosaics:
// a packed 8-bit RGB pixel buffer plus the affine transform that georeferences it.
package raster

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"basemap-mosaic/pkg/geotiff"
)

// Channels is the number of 8-bit samples per pixel.
const Channels = 3

// EPSG is the coordinate reference system of every raster in this module (Web Mercator).
const EPSG = geotiff.EPSGWebMercator

// Transform maps pixel (col, row) to (OriginX + col*ResX, OriginY - row*ResY).
// ResY is stored positive; rows grow southwards.
type Transform struct {
	OriginX float64
	OriginY float64
	ResX    float64
	ResY    float64
}

// FromBounds builds the transform that stretches a width x height grid
// uniformly over the given bounds.
func FromBounds(west, south, east, north float64, width, height int) Transform {
	return Transform{
		OriginX: west,
		OriginY: north,
		ResX:    (east - west) / float64(width),
		ResY:    (north - south) / float64(height),
	}
}

// Apply returns the map coordinate of pixel corner (col, row).
func (t Transform) Apply(col, row float64) (x, y float64) {
	return t.OriginX + col*t.ResX, t.OriginY - row*t.ResY
}

// SameResolution reports whether two transforms share a pixel size.
func (t Transform) SameResolution(o Transform) bool {
	return nearlyEqual(t.ResX, o.ResX) && nearlyEqual(t.ResY, o.ResY)
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

// GeoInfo converts the transform to GeoTIFF tag values.
func (t Transform) GeoInfo() geotiff.GeoInfo {
	return geotiff.GeoInfo{OriginX: t.OriginX, OriginY: t.OriginY, ScaleX: t.ResX, ScaleY: t.ResY, EPSG: EPSG}
}

// Raster is a georeferenced RGB pixel grid. Tiles and mosaics share this type.
type Raster struct {
	Width     int
	Height    int
	Pix       []uint8 // row-major, Channels samples per pixel
	Transform Transform
}

// New allocates a zero (all nodata) raster.
func New(width, height int, t Transform) *Raster {
	return &Raster{
		Width:     width,
		Height:    height,
		Pix:       make([]uint8, width*height*Channels),
		Transform: t,
	}
}

// FromImage copies img into a new raster, discarding alpha. Samples are taken
// un-premultiplied so a translucent pixel keeps its colour.
func FromImage(img image.Image, t Transform) *Raster {
	b := img.Bounds()
	r := New(b.Dx(), b.Dy(), t)

	switch src := img.(type) {
	case geotiff.RGBImage:
		for y := 0; y < r.Height; y++ {
			copy(r.RGBRow(y), src.RGBRow(y))
		}
		return r
	case *image.NRGBA:
		for y := 0; y < r.Height; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := r.RGBRow(y)
			for x := 0; x < r.Width; x++ {
				dst[3*x], dst[3*x+1], dst[3*x+2] = row[4*x], row[4*x+1], row[4*x+2]
			}
		}
		return r
	case *image.RGBA:
		if opaque(src) {
			for y := 0; y < r.Height; y++ {
				row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
				dst := r.RGBRow(y)
				for x := 0; x < r.Width; x++ {
					dst[3*x], dst[3*x+1], dst[3*x+2] = row[4*x], row[4*x+1], row[4*x+2]
				}
			}
			return r
		}
	}

	for y := 0; y < r.Height; y++ {
		dst := r.RGBRow(y)
		for x := 0; x < r.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			dst[3*x], dst[3*x+1], dst[3*x+2] = c.R, c.G, c.B
		}
	}
	return r
}

func opaque(img *image.RGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0xff {
			return false
		}
	}
	return true
}

// RGBRow returns the packed samples of row y. The slice aliases Pix.
func (r *Raster) RGBRow(y int) []byte {
	stride := r.Width * Channels
	return r.Pix[y*stride : (y+1)*stride]
}

// Empty reports whether pixel (x, y) carries no data (all samples zero).
func (r *Raster) Empty(x, y int) bool {
	i := (y*r.Width + x) * Channels
	return r.Pix[i] == 0 && r.Pix[i+1] == 0 && r.Pix[i+2] == 0
}

// Bounds returns the map extent (west, south, east, north).
func (r *Raster) Bounds() (west, south, east, north float64) {
	west, north = r.Transform.Apply(0, 0)
	east, south = r.Transform.Apply(float64(r.Width), float64(r.Height))
	return west, south, east, north
}

func (r *Raster) String() string {
	return fmt.Sprintf("%dx%d@(%.3f,%.3f)", r.Width, r.Height, r.Transform.OriginX, r.Transform.OriginY)
}

// Image adapts the raster to image.Image without copying.
func (r *Raster) Image() geotiff.RGBImage { return rasterImage{r} }

type rasterImage struct{ r *Raster }

func (m rasterImage) ColorModel() color.Model { return color.RGBAModel }
func (m rasterImage) Bounds() image.Rectangle { return image.Rect(0, 0, m.r.Width, m.r.Height) }
func (m rasterImage) RGBRow(y int) []byte     { return m.r.RGBRow(y) }

func (m rasterImage) At(x, y int) color.Color {
	i := (y*m.r.Width + x) * Channels
	p := m.r.Pix
	return color.RGBA{R: p[i], G: p[i+1], B: p[i+2], A: 0xff}
}
