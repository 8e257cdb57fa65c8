package geotiff

import (
	"bytes"
	"image"
	"image/color"
	"testing"
)

// flatImage is an RGBImage of any size backed by a single shared row.
type flatImage struct {
	w, h int
	row  []byte
}

func newFlatImage(w, h int) *flatImage {
	row := make([]byte, w*Channels)
	for i := range row {
		row[i] = 0x7f
	}
	return &flatImage{w: w, h: h, row: row}
}

func (f *flatImage) ColorModel() color.Model { return color.RGBAModel }
func (f *flatImage) Bounds() image.Rectangle { return image.Rect(0, 0, f.w, f.h) }
func (f *flatImage) At(x, y int) color.Color { return color.RGBA{R: 0x7f, G: 0x7f, B: 0x7f, A: 0xff} }
func (f *flatImage) RGBRow(int) []byte       { return f.row }

// prefixWriter keeps the first limit bytes and counts the rest.
type prefixWriter struct {
	limit int
	buf   []byte
	n     int64
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	if room := p.limit - len(p.buf); room > 0 {
		if room > len(b) {
			room = len(b)
		}
		p.buf = append(p.buf, b[:room]...)
	}
	p.n += int64(len(b))
	return len(b), nil
}

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: uint8(x + y), A: 128})
		}
	}
	return img
}

func TestEncodeDecode(t *testing.T) {
	img := testImage(7, 5)
	geo := GeoInfo{OriginX: -20037508.34, OriginY: 20037508.34, ScaleX: 152.87, ScaleY: 152.87, EPSG: EPSGWebMercator}

	var buf bytes.Buffer
	if err := Encode(&buf, img, geo, map[uint16]interface{}{TagType_ImageDescription: "test"}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, gotGeo, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotGeo != geo {
		t.Errorf("geo = %+v, want %+v", gotGeo, geo)
	}
	if got.Bounds() != img.Bounds() {
		t.Fatalf("bounds = %v, want %v", got.Bounds(), img.Bounds())
	}
	for y := 0; y < 5; y++ {
		for x := 0; x < 7; x++ {
			r, g, b, _ := got.At(x, y).RGBA()
			want := img.NRGBAAt(x, y)
			if uint8(r>>8) != want.R || uint8(g>>8) != want.G || uint8(b>>8) != want.B {
				t.Fatalf("pixel (%d,%d) = %d,%d,%d want %d,%d,%d", x, y, r>>8, g>>8, b>>8, want.R, want.G, want.B)
			}
		}
	}
}

func TestEncodeMultipleStrips(t *testing.T) {
	// 200 px wide rows are 600 bytes, so 64 KiB strips hold 109 rows.
	img := testImage(200, 250)
	geo := GeoInfo{OriginX: 10, OriginY: 50, ScaleX: 0.5, ScaleY: 0.25, EPSG: EPSGWGS84}

	var buf bytes.Buffer
	if err := Encode(&buf, img, geo, nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, gotGeo, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotGeo.EPSG != EPSGWGS84 {
		t.Errorf("EPSG = %d, want %d", gotGeo.EPSG, EPSGWGS84)
	}
	r, g, b, _ := got.At(199, 249).RGBA()
	want := img.NRGBAAt(199, 249)
	if uint8(r>>8) != want.R || uint8(g>>8) != want.G || uint8(b>>8) != want.B {
		t.Errorf("last pixel = %d,%d,%d want %+v", r>>8, g>>8, b>>8, want)
	}
}

func TestReadGeoInfoMissingTags(t *testing.T) {
	// A header with an empty IFD.
	data := []byte{'I', 'I', 0x2A, 0, 8, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := ReadGeoInfo(bytes.NewReader(data)); err != ErrNoGeoreference {
		t.Fatalf("expected ErrNoGeoreference, got %v", err)
	}
}

func TestReadGeoInfoNotTIFF(t *testing.T) {
	if _, err := ReadGeoInfo(bytes.NewReader([]byte("PNG\x00\x00\x00\x00\x00"))); err == nil {
		t.Fatal("expected error for non-tiff input")
	}
}

func TestEncodeRejectsEmptyImage(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, image.NewRGBA(image.Rect(0, 0, 0, 0)), GeoInfo{}, nil); err == nil {
		t.Fatal("expected error for empty image")
	}
}

func TestEncodeSmallImageIsClassic(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, testImage(3, 3), GeoInfo{ScaleX: 1, ScaleY: 1, EPSG: EPSGWebMercator}, nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if v := buf.Bytes()[2]; v != 42 {
		t.Errorf("version = %d, want 42", v)
	}
}

func TestBigTIFFRoundTrip(t *testing.T) {
	img := testImage(200, 250)
	geo := GeoInfo{OriginX: -1000, OriginY: 2000, ScaleX: 2.5, ScaleY: 2.5, EPSG: EPSGWebMercator}

	var buf bytes.Buffer
	if err := encode(&buf, img, geo, map[uint16]interface{}{TagType_Software: "test"}, true); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if v := buf.Bytes()[2]; v != 43 {
		t.Fatalf("version = %d, want 43", v)
	}

	info, err := ReadGeoInfo(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadGeoInfo: %v", err)
	}
	if info != geo {
		t.Errorf("ReadGeoInfo = %+v, want %+v", info, geo)
	}

	got, gotGeo, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotGeo != geo {
		t.Errorf("geo = %+v, want %+v", gotGeo, geo)
	}
	rgb, ok := got.(*RGB)
	if !ok {
		t.Fatalf("Decode returned %T, want *RGB", got)
	}
	if rgb.Bounds() != img.Bounds() {
		t.Fatalf("bounds = %v, want %v", rgb.Bounds(), img.Bounds())
	}
	for _, p := range []image.Point{{0, 0}, {199, 0}, {57, 108}, {57, 109}, {199, 249}} {
		r, g, b, _ := rgb.At(p.X, p.Y).RGBA()
		want := img.NRGBAAt(p.X, p.Y)
		if uint8(r>>8) != want.R || uint8(g>>8) != want.G || uint8(b>>8) != want.B {
			t.Errorf("pixel %v = %d,%d,%d want %+v", p, r>>8, g>>8, b>>8, want)
		}
	}
}

func TestEncodeSwitchesToBigTIFFPast4GiB(t *testing.T) {
	const side = 38400 // 38400*38400*3 bytes is about 4.1 GiB
	geo := GeoInfo{OriginX: 1, OriginY: 2, ScaleX: 0.5, ScaleY: 0.5, EPSG: EPSGWebMercator}

	w := &prefixWriter{limit: 2 << 20}
	if err := Encode(w, newFlatImage(side, side), geo, nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if v := w.buf[2]; v != 43 {
		t.Fatalf("version = %d, want 43", v)
	}

	dir, err := readIFD(bytes.NewReader(w.buf))
	if err != nil {
		t.Fatalf("readIFD: %v", err)
	}
	if info, err := dir.geoInfo(); err != nil || info != geo {
		t.Errorf("geoInfo = %+v, %v", info, err)
	}
	if fd := dir.fields[TagType_StripOffsets]; fd.datatype != DataType_Long8 {
		t.Errorf("strip offsets type = %d, want LONG8", fd.datatype)
	}

	offsets, err := dir.uints(TagType_StripOffsets)
	if err != nil {
		t.Fatalf("strip offsets: %v", err)
	}
	counts, err := dir.uints(TagType_StripByteCounts)
	if err != nil {
		t.Fatalf("strip counts: %v", err)
	}
	last := len(offsets) - 1
	if end := offsets[last] + counts[last]; end != uint64(w.n) {
		t.Errorf("last strip ends at %d, file is %d bytes", end, w.n)
	}
	if offsets[last] <= 1<<32 {
		t.Errorf("last strip offset %d does not need 64 bits", offsets[last])
	}
	if want := int64(side) * side * Channels; int64(w.n)-int64(offsets[0]) != want {
		t.Errorf("pixel bytes = %d, want %d", int64(w.n)-int64(offsets[0]), want)
	}
}
