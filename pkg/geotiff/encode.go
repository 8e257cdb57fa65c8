package geotiff

import (
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"sort"
)

const (
	DataType_Byte     = 1
	DataType_ASCII    = 2
	DataType_Short    = 3
	DataType_Long     = 4
	DataType_Rational = 5
	DataType_Double   = 12
	DataType_Long8    = 16 // BigTIFF

	TagType_ImageWidth                = 256
	TagType_ImageLength               = 257
	TagType_BitsPerSample             = 258
	TagType_Compression               = 259
	TagType_PhotometricInterpretation = 262
	TagType_ImageDescription          = 270
	TagType_StripOffsets              = 273
	TagType_SamplesPerPixel           = 277
	TagType_RowsPerStrip              = 278
	TagType_StripByteCounts           = 279
	TagType_XResolution               = 282
	TagType_YResolution               = 283
	TagType_PlanarConfiguration       = 284
	TagType_ResolutionUnit            = 296
	TagType_Software                  = 305
	TagType_DateTime                  = 306

	// GeoTIFF Tags
	TagType_ModelPixelScaleTag = 33550
	TagType_ModelTiepointTag   = 33922
	TagType_GeoKeyDirectoryTag = 34735
	TagType_GeoDoubleParamsTag = 34736
	TagType_GeoAsciiParamsTag  = 34737
)

// GeoKey IDs used in the key directory.
const (
	geoKeyModelType      = 1024
	geoKeyRasterType     = 1025
	geoKeyGeographicType = 2048
	geoKeyAngularUnits   = 2054
	geoKeyProjectedType  = 3072
	geoKeyLinearUnits    = 3076
)

const (
	EPSGWebMercator = 3857
	EPSGWGS84       = 4326
)

// Channels is the number of samples per pixel written by Encode.
const Channels = 3

// stripTarget is the approximate number of pixel bytes per strip.
const stripTarget = 64 * 1024

var enc = binary.LittleEndian

// GeoInfo georeferences a raster. Pixel (col, row) maps to
// (OriginX + col*ScaleX, OriginY - row*ScaleY); ScaleY is positive.
type GeoInfo struct {
	OriginX float64
	OriginY float64
	ScaleX  float64
	ScaleY  float64
	EPSG    int
}

// RGBImage is implemented by images that can hand out packed 8-bit RGB rows
// without per-pixel color conversion.
type RGBImage interface {
	image.Image
	RGBRow(y int) []byte
}

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

type byTag []ifdEntry

func (d byTag) Len() int           { return len(d) }
func (d byTag) Less(i, j int) bool { return d[i].tag < d[j].tag }
func (d byTag) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }

// GeoKeys returns the GeoKeyDirectory for an EPSG code. 4326 is written as a
// geographic model, everything else as a projected model in metres.
func GeoKeys(epsg int) []uint16 {
	if epsg == EPSGWGS84 {
		return []uint16{
			1, 1, 0, 4, // Header: version 1.1.0, 4 keys follow
			geoKeyModelType, 0, 1, 2, // ModelTypeGeographic
			geoKeyRasterType, 0, 1, 1, // RasterPixelIsArea
			geoKeyGeographicType, 0, 1, uint16(epsg),
			geoKeyAngularUnits, 0, 1, 9102, // Angular_Degree
		}
	}
	return []uint16{
		1, 1, 0, 4,
		geoKeyModelType, 0, 1, 1, // ModelTypeProjected
		geoKeyRasterType, 0, 1, 1,
		geoKeyProjectedType, 0, 1, uint16(epsg),
		geoKeyLinearUnits, 0, 1, 9001, // Linear_Meter
	}
}

// Encode writes m to w as an uncompressed 8-bit RGB GeoTIFF georeferenced by geo.
// Alpha is discarded. extraTags is a map of TagID -> value.
// Supported value types: []uint16 (SHORT), []float64 (DOUBLE), string (ASCII).
// Files whose pixel data would end past 4 GiB are written as BigTIFF.
func Encode(w io.Writer, m image.Image, geo GeoInfo, extraTags map[uint16]interface{}) error {
	return encode(w, m, geo, extraTags, false)
}

func encode(w io.Writer, m image.Image, geo GeoInfo, extraTags map[uint16]interface{}, forceBig bool) error {
	bounds := m.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("geotiff: empty image %dx%d", width, height)
	}

	rowBytes := width * Channels
	rowsPerStrip := stripTarget / rowBytes
	if rowsPerStrip < 1 {
		rowsPerStrip = 1
	}
	if rowsPerStrip > height {
		rowsPerStrip = height
	}
	strips := (height + rowsPerStrip - 1) / rowsPerStrip

	// 1. Prepare entries
	var entries []ifdEntry

	addEntry := func(tag uint16, datatype uint16, count uint32, data []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, data})
	}

	addEntry(TagType_ImageWidth, DataType_Long, 1, enc32(uint32(width)))
	addEntry(TagType_ImageLength, DataType_Long, 1, enc32(uint32(height)))
	addEntry(TagType_BitsPerSample, DataType_Short, Channels, enc16s([]uint16{8, 8, 8}))
	addEntry(TagType_Compression, DataType_Short, 1, enc16(1))               // None
	addEntry(TagType_PhotometricInterpretation, DataType_Short, 1, enc16(2)) // RGB
	addEntry(TagType_SamplesPerPixel, DataType_Short, 1, enc16(Channels))
	addEntry(TagType_RowsPerStrip, DataType_Long, 1, enc32(uint32(rowsPerStrip)))
	addEntry(TagType_XResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_YResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_PlanarConfiguration, DataType_Short, 1, enc16(1)) // Chunky
	addEntry(TagType_ResolutionUnit, DataType_Short, 1, enc16(2))     // Inch

	addEntry(TagType_ModelPixelScaleTag, DataType_Double, 3, encDoubles([]float64{geo.ScaleX, geo.ScaleY, 0}))
	addEntry(TagType_ModelTiepointTag, DataType_Double, 6, encDoubles([]float64{0, 0, 0, geo.OriginX, geo.OriginY, 0}))
	keys := GeoKeys(geo.EPSG)
	addEntry(TagType_GeoKeyDirectoryTag, DataType_Short, uint32(len(keys)), enc16s(keys))

	for tag, val := range extraTags {
		switch v := val.(type) {
		case []uint16:
			addEntry(tag, DataType_Short, uint32(len(v)), enc16s(v))
		case []float64:
			addEntry(tag, DataType_Double, uint32(len(v)), encDoubles(v))
		case string:
			// ASCII needs null terminator
			b := append([]byte(v), 0)
			addEntry(tag, DataType_ASCII, uint32(len(b)), b)
		default:
			return fmt.Errorf("unsupported tag value type for tag %d", tag)
		}
	}

	// 2. Layout: header -> IFD -> out-of-line values -> pixel strips
	pixelBytes := int64(rowBytes) * int64(height)
	f := classicTIFF
	if forceBig {
		f = bigTIFF
	}
	l := f.layout(entries, strips)
	if !f.big && l.pixelsOffset+pixelBytes > math.MaxUint32 {
		f = bigTIFF
		l = f.layout(entries, strips)
	}

	for i := range l.entries {
		e := &l.entries[i]
		switch e.tag {
		case TagType_StripOffsets:
			for s := 0; s < strips; s++ {
				f.putOffset(e.data[f.offsetSize*s:], l.pixelsOffset+int64(s)*int64(rowsPerStrip*rowBytes))
			}
		case TagType_StripByteCounts:
			for s := 0; s < strips; s++ {
				rows := rowsPerStrip
				if rem := height - s*rowsPerStrip; rem < rows {
					rows = rem
				}
				f.putOffset(e.data[f.offsetSize*s:], int64(rows*rowBytes))
			}
		}
	}

	// 3. Header and IFD
	if _, err := w.Write(f.header()); err != nil {
		return err
	}
	dir := make([]byte, 0, l.valuesOffset-f.headerSize)
	dir = f.appendUint(dir, uint64(len(l.entries)), f.countSize)
	for i, e := range l.entries {
		dir = enc.AppendUint16(dir, e.tag)
		dir = enc.AppendUint16(dir, e.datatype)
		dir = f.appendUint(dir, uint64(e.count), f.offsetSize)

		// Offset/Value field
		val := make([]byte, f.offsetSize)
		if l.offsets[i] < 0 {
			copy(val, e.data)
		} else {
			f.putOffset(val, l.offsets[i])
		}
		dir = append(dir, val...)
	}
	dir = f.appendUint(dir, 0, f.offsetSize) // next IFD
	if _, err := w.Write(dir); err != nil {
		return err
	}

	// 4. Write out-of-line values in the order they were laid out
	written := l.valuesOffset
	for i, e := range l.entries {
		if l.offsets[i] < 0 {
			continue
		}
		if _, err := w.Write(e.data); err != nil {
			return err
		}
		written += int64(len(e.data))
		if written%2 == 1 {
			if _, err := w.Write([]byte{0}); err != nil {
				return err
			}
			written++
		}
	}

	// 5. Write pixels row by row
	row := make([]byte, rowBytes)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		if _, err := w.Write(rgbRow(m, y, row)); err != nil {
			return err
		}
	}

	return nil
}

// tiffFormat holds the field widths that differ between classic TIFF
// (version 42, 32-bit offsets) and BigTIFF (version 43, 64-bit offsets).
type tiffFormat struct {
	big        bool
	version    uint16
	headerSize int64
	countSize  int // IFD entry count
	entrySize  int64
	offsetSize int // offsets, value fields and strip table elements
	stripType  uint16
}

var (
	classicTIFF = tiffFormat{version: 42, headerSize: 8, countSize: 2, entrySize: 12, offsetSize: 4, stripType: DataType_Long}
	bigTIFF     = tiffFormat{big: true, version: 43, headerSize: 16, countSize: 8, entrySize: 20, offsetSize: 8, stripType: DataType_Long8}
)

func (f tiffFormat) header() []byte {
	// Little-endian, first IFD right after the header
	h := []byte{'I', 'I'}
	h = enc.AppendUint16(h, f.version)
	if f.big {
		h = enc.AppendUint16(h, 8) // offset size
		h = enc.AppendUint16(h, 0)
	}
	return f.appendUint(h, uint64(f.headerSize), f.offsetSize)
}

func (f tiffFormat) appendUint(b []byte, v uint64, size int) []byte {
	switch size {
	case 2:
		return enc.AppendUint16(b, uint16(v))
	case 4:
		return enc.AppendUint32(b, uint32(v))
	}
	return enc.AppendUint64(b, v)
}

func (f tiffFormat) putOffset(b []byte, v int64) {
	if f.big {
		enc.PutUint64(b, uint64(v))
		return
	}
	enc.PutUint32(b, uint32(v))
}

type layout struct {
	entries      []ifdEntry
	offsets      []int64 // -1 for values stored inline
	valuesOffset int64
	pixelsOffset int64
}

// layout adds zeroed strip tables to entries and places every out-of-line
// value ahead of the pixel data.
func (f tiffFormat) layout(base []ifdEntry, strips int) layout {
	entries := make([]ifdEntry, len(base), len(base)+2)
	copy(entries, base)
	entries = append(entries,
		ifdEntry{TagType_StripOffsets, f.stripType, uint32(strips), make([]byte, f.offsetSize*strips)},
		ifdEntry{TagType_StripByteCounts, f.stripType, uint32(strips), make([]byte, f.offsetSize*strips)},
	)
	sort.Sort(byTag(entries))

	ifdSize := int64(f.countSize) + f.entrySize*int64(len(entries)) + int64(f.offsetSize)
	l := layout{
		entries:      entries,
		offsets:      make([]int64, len(entries)),
		valuesOffset: f.headerSize + ifdSize,
	}
	next := l.valuesOffset
	for i, e := range entries {
		if len(e.data) <= f.offsetSize {
			l.offsets[i] = -1
			continue
		}
		l.offsets[i] = next
		next += int64(len(e.data))
		if next%2 == 1 {
			next++ // word alignment
		}
	}
	l.pixelsOffset = next
	return l
}

// rgbRow returns row y of m as packed RGB, using buf as scratch space when
// the image cannot provide the row directly.
func rgbRow(m image.Image, y int, buf []byte) []byte {
	b := m.Bounds()
	switch img := m.(type) {
	case RGBImage:
		return img.RGBRow(y - b.Min.Y)
	case *image.NRGBA:
		src := img.Pix[img.PixOffset(b.Min.X, y):]
		for x, i := 0, 0; x < b.Dx(); x, i = x+1, i+4 {
			buf[3*x], buf[3*x+1], buf[3*x+2] = src[i], src[i+1], src[i+2]
		}
		return buf
	case *image.RGBA:
		src := img.Pix[img.PixOffset(b.Min.X, y):]
		for x, i := 0, 0; x < b.Dx(); x, i = x+1, i+4 {
			buf[3*x], buf[3*x+1], buf[3*x+2] = src[i], src[i+1], src[i+2]
		}
		return buf
	}
	for x := b.Min.X; x < b.Max.X; x++ {
		// RGBA() returns 16-bit values. Convert to 8-bit.
		r, g, bl, _ := m.At(x, y).RGBA()
		i := 3 * (x - b.Min.X)
		buf[i], buf[i+1], buf[i+2] = uint8(r>>8), uint8(g>>8), uint8(bl>>8)
	}
	return buf
}

// Helpers

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
