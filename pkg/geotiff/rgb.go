package geotiff

import (
	"image"
	"image/color"
)

// RGB is an in-memory packed 8-bit RGB image.
type RGB struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

func NewRGB(r image.Rectangle) *RGB {
	return &RGB{
		Pix:    make([]uint8, r.Dx()*r.Dy()*Channels),
		Stride: r.Dx() * Channels,
		Rect:   r,
	}
}

func (p *RGB) ColorModel() color.Model { return color.RGBAModel }
func (p *RGB) Bounds() image.Rectangle { return p.Rect }

func (p *RGB) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*Channels
	return color.RGBA{R: p.Pix[i], G: p.Pix[i+1], B: p.Pix[i+2], A: 0xff}
}

// RGBRow returns row y counted from the top of Rect. The slice aliases Pix.
func (p *RGB) RGBRow(y int) []byte {
	return p.Pix[y*p.Stride : y*p.Stride+p.Rect.Dx()*Channels]
}
