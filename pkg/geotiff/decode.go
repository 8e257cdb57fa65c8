package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"golang.org/x/image/tiff"
)

// ErrNoGeoreference is returned when a TIFF carries no ModelPixelScale/ModelTiepoint tags.
var ErrNoGeoreference = errors.New("geotiff: missing georeferencing tags")

// Decode reads a GeoTIFF, returning its pixels and georeferencing.
// Classic TIFFs are decoded by golang.org/x/image/tiff. BigTIFFs, which that
// package does not read, must be uncompressed chunky 8-bit RGB as written by
// Encode and decode to *RGB. The GeoTIFF tags are read from the first IFD.
func Decode(r io.Reader) (image.Image, GeoInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, GeoInfo{}, fmt.Errorf("read tiff: %w", err)
	}

	dir, err := readIFD(bytes.NewReader(data))
	if err != nil {
		return nil, GeoInfo{}, err
	}

	var img image.Image
	if dir.big {
		img, err = dir.decodeStrips(data)
	} else {
		img, err = tiff.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, GeoInfo{}, fmt.Errorf("decode tiff: %w", err)
	}

	geo, err := dir.geoInfo()
	if err != nil {
		return nil, GeoInfo{}, err
	}
	return img, geo, nil
}

// ReadGeoInfo parses the GeoTIFF tags of the first IFD without decoding pixels.
func ReadGeoInfo(r io.ReaderAt) (GeoInfo, error) {
	dir, err := readIFD(r)
	if err != nil {
		return GeoInfo{}, err
	}
	return dir.geoInfo()
}

type field struct {
	datatype uint16
	count    uint64
	value    []byte // value/offset field, 4 or 8 bytes
}

// ifd is the first image file directory of a classic or Big TIFF.
type ifd struct {
	r      io.ReaderAt
	order  binary.ByteOrder
	big    bool
	fields map[uint16]field
}

func readIFD(r io.ReaderAt) (*ifd, error) {
	var header [16]byte
	if _, err := r.ReadAt(header[:8], 0); err != nil {
		return nil, fmt.Errorf("read tiff header: %w", err)
	}

	d := &ifd{r: r, fields: map[uint16]field{}}
	switch string(header[:2]) {
	case "II":
		d.order = binary.LittleEndian
	case "MM":
		d.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a tiff: bad byte order %q", header[:2])
	}

	f := classicTIFF
	var offset int64
	switch d.order.Uint16(header[2:4]) {
	case 42:
		offset = int64(d.order.Uint32(header[4:8]))
	case 43:
		if _, err := r.ReadAt(header[8:16], 8); err != nil {
			return nil, fmt.Errorf("read bigtiff header: %w", err)
		}
		if d.order.Uint16(header[4:6]) != 8 {
			return nil, fmt.Errorf("bigtiff: unsupported offset size %d", d.order.Uint16(header[4:6]))
		}
		f = bigTIFF
		d.big = true
		offset = int64(d.order.Uint64(header[8:16]))
	default:
		return nil, fmt.Errorf("not a tiff: version %d", d.order.Uint16(header[2:4]))
	}

	countBuf := make([]byte, f.countSize)
	if _, err := r.ReadAt(countBuf, offset); err != nil {
		return nil, fmt.Errorf("read ifd: %w", err)
	}
	var n uint64
	if d.big {
		n = d.order.Uint64(countBuf)
	} else {
		n = uint64(d.order.Uint16(countBuf))
	}
	if n > 4096 {
		return nil, fmt.Errorf("ifd: implausible entry count %d", n)
	}

	table := make([]byte, f.entrySize*int64(n))
	if _, err := r.ReadAt(table, offset+int64(f.countSize)); err != nil {
		return nil, fmt.Errorf("read ifd entries: %w", err)
	}
	for i := int64(0); i < int64(n); i++ {
		e := table[f.entrySize*i : f.entrySize*(i+1)]
		fd := field{datatype: d.order.Uint16(e[2:4])}
		if d.big {
			fd.count = d.order.Uint64(e[4:12])
			fd.value = e[12:20]
		} else {
			fd.count = uint64(d.order.Uint32(e[4:8]))
			fd.value = e[8:12]
		}
		d.fields[d.order.Uint16(e[0:2])] = fd
	}
	return d, nil
}

func typeSize(datatype uint16) int64 {
	switch datatype {
	case DataType_Byte, DataType_ASCII:
		return 1
	case DataType_Short:
		return 2
	case DataType_Long:
		return 4
	case DataType_Rational, DataType_Double, DataType_Long8:
		return 8
	}
	return 0
}

// raw returns the value bytes of tag, inline or at its offset.
func (d *ifd) raw(tag uint16) (field, []byte, error) {
	fd, ok := d.fields[tag]
	if !ok {
		return fd, nil, nil
	}
	size := typeSize(fd.datatype) * int64(fd.count)
	if size == 0 && fd.count > 0 {
		return fd, nil, fmt.Errorf("tag %d: unsupported type %d", tag, fd.datatype)
	}
	if size <= int64(len(fd.value)) {
		return fd, fd.value[:size], nil
	}
	var off int64
	if d.big {
		off = int64(d.order.Uint64(fd.value))
	} else {
		off = int64(d.order.Uint32(fd.value))
	}
	buf := make([]byte, size)
	if _, err := d.r.ReadAt(buf, off); err != nil {
		return fd, nil, fmt.Errorf("tag %d: %w", tag, err)
	}
	return fd, buf, nil
}

// uints reads a SHORT, LONG or LONG8 array.
func (d *ifd) uints(tag uint16) ([]uint64, error) {
	fd, raw, err := d.raw(tag)
	if err != nil || raw == nil {
		return nil, err
	}
	vals := make([]uint64, fd.count)
	for i := range vals {
		switch fd.datatype {
		case DataType_Short:
			vals[i] = uint64(d.order.Uint16(raw[2*i:]))
		case DataType_Long:
			vals[i] = uint64(d.order.Uint32(raw[4*i:]))
		case DataType_Long8:
			vals[i] = d.order.Uint64(raw[8*i:])
		default:
			return nil, fmt.Errorf("tag %d: unexpected type %d", tag, fd.datatype)
		}
	}
	return vals, nil
}

func (d *ifd) doubles(tag uint16) ([]float64, error) {
	fd, raw, err := d.raw(tag)
	if err != nil || raw == nil {
		return nil, err
	}
	if fd.datatype != DataType_Double {
		return nil, fmt.Errorf("tag %d: unexpected type %d", tag, fd.datatype)
	}
	vals := make([]float64, fd.count)
	for i := range vals {
		vals[i] = math.Float64frombits(d.order.Uint64(raw[8*i:]))
	}
	return vals, nil
}

func (d *ifd) geoInfo() (GeoInfo, error) {
	scale, err := d.doubles(TagType_ModelPixelScaleTag)
	if err != nil {
		return GeoInfo{}, err
	}
	tiepoint, err := d.doubles(TagType_ModelTiepointTag)
	if err != nil {
		return GeoInfo{}, err
	}
	if len(scale) < 2 || len(tiepoint) < 6 {
		return GeoInfo{}, ErrNoGeoreference
	}
	keys, err := d.uints(TagType_GeoKeyDirectoryTag)
	if err != nil {
		return GeoInfo{}, err
	}

	// Tiepoint is (I, J, K, X, Y, Z); shift it back to pixel (0, 0).
	geo := GeoInfo{
		ScaleX: scale[0],
		ScaleY: scale[1],
	}
	geo.OriginX = tiepoint[3] - tiepoint[0]*geo.ScaleX
	geo.OriginY = tiepoint[4] + tiepoint[1]*geo.ScaleY
	geo.EPSG = epsgFromKeys(keys)
	return geo, nil
}

func (d *ifd) scalar(tag uint16) (int, error) {
	vals, err := d.uints(tag)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("missing tag %d", tag)
	}
	return int(vals[0]), nil
}

// decodeStrips reads uncompressed chunky 8-bit RGB strips from data.
func (d *ifd) decodeStrips(data []byte) (*RGB, error) {
	width, err := d.scalar(TagType_ImageWidth)
	if err != nil {
		return nil, err
	}
	height, err := d.scalar(TagType_ImageLength)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("empty image %dx%d", width, height)
	}
	for tag, want := range map[uint16]int{
		TagType_SamplesPerPixel:     Channels,
		TagType_Compression:         1,
		TagType_PlanarConfiguration: 1,
	} {
		if v, err := d.scalar(tag); err != nil || v != want {
			return nil, fmt.Errorf("unsupported layout: tag %d = %d", tag, v)
		}
	}
	bits, err := d.uints(TagType_BitsPerSample)
	if err != nil {
		return nil, err
	}
	for _, b := range bits {
		if b != 8 {
			return nil, fmt.Errorf("unsupported bits per sample %d", b)
		}
	}

	offsets, err := d.uints(TagType_StripOffsets)
	if err != nil {
		return nil, err
	}
	counts, err := d.uints(TagType_StripByteCounts)
	if err != nil {
		return nil, err
	}
	if len(offsets) == 0 || len(offsets) != len(counts) {
		return nil, fmt.Errorf("strip tables disagree: %d offsets, %d counts", len(offsets), len(counts))
	}

	img := NewRGB(image.Rect(0, 0, width, height))
	pos := uint64(0)
	for i, off := range offsets {
		n := counts[i]
		if off+n > uint64(len(data)) || pos+n > uint64(len(img.Pix)) {
			return nil, fmt.Errorf("strip %d out of bounds", i)
		}
		copy(img.Pix[pos:], data[off:off+n])
		pos += n
	}
	if pos != uint64(len(img.Pix)) {
		return nil, fmt.Errorf("strips hold %d bytes, want %d", pos, len(img.Pix))
	}
	return img, nil
}

func epsgFromKeys(keys []uint64) int {
	if len(keys) < 4 {
		return 0
	}
	n := int(keys[3])
	for i := 0; i < n && 4+4*i+3 < len(keys); i++ {
		k := keys[4+4*i : 8+4*i]
		if k[1] != 0 {
			continue // value stored in another tag
		}
		if k[0] == geoKeyProjectedType || k[0] == geoKeyGeographicType {
			return int(k[3])
		}
	}
	return 0
}
