package compressor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestCompressor() *DefaultCompressor {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return NewDefaultCompressor(DefaultOptions(), log)
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	return img
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("jpeg.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, gradient(w, h)); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func mustSource(t *testing.T, name, mimeType string, data []byte) *SourceImage {
	t.Helper()
	src, err := NewSourceImage(name, mimeType, data)
	if err != nil {
		t.Fatalf("NewSourceImage() error = %v", err)
	}
	return src
}

func TestFitDimensions(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"small unchanged", 800, 600, 800, 600},
		{"exact limit unchanged", 2000, 1200, 2000, 1200},
		{"wide", 3000, 1500, 2000, 1000},
		{"tall", 1500, 3000, 1000, 2000},
		{"square", 4000, 4000, 2000, 2000},
		{"rounding", 4001, 3000, 2000, 1500},
		{"rounding up", 3000, 1001, 2000, 667},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := FitDimensions(tt.w, tt.h, 2000)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("FitDimensions(%d, %d) = %dx%d, want %dx%d", tt.w, tt.h, w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestJPEGQuality(t *testing.T) {
	tests := map[float64]int{0: 1, 0.6: 60, 0.86: 86, 1: 100}
	for q, want := range tests {
		if got := JPEGQuality(q); got != want {
			t.Errorf("JPEGQuality(%v) = %d, want %d", q, got, want)
		}
	}
}

func TestDataURLSize(t *testing.T) {
	tests := map[int]int64{0: 0, 4: 3, 8: 6, 10: 8}
	for n, want := range tests {
		if got := DataURLSize(n); got != want {
			t.Errorf("DataURLSize(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestNormalizeMIME(t *testing.T) {
	if got := NormalizeMIME(" Image/PNG; charset=binary"); got != "image/png" {
		t.Errorf("NormalizeMIME() = %q, want image/png", got)
	}
	if !IsImageMIME("image/webp") {
		t.Error("IsImageMIME(image/webp) = false")
	}
	if IsImageMIME("text/plain") {
		t.Error("IsImageMIME(text/plain) = true")
	}
}

func TestReencode_LargeJPEG(t *testing.T) {
	c := newTestCompressor()
	src := mustSource(t, "big.jpg", "image/jpeg", encodeJPEG(t, 3000, 1500))

	res, err := c.Reencode(context.Background(), src, CompressionRequest{Quality: 0.5})
	if err != nil {
		t.Fatalf("Reencode() error = %v", err)
	}
	if res.Width != 2000 || res.Height != 1000 {
		t.Errorf("Reencode() size = %dx%d, want 2000x1000", res.Width, res.Height)
	}
	if res.EffectiveQuality != 0.6 {
		t.Errorf("EffectiveQuality = %v, want 0.6", res.EffectiveQuality)
	}
	if res.MIMEType != MIMETypeJPEG {
		t.Errorf("MIMEType = %q, want %q", res.MIMEType, MIMETypeJPEG)
	}
	if res.SourceID != src.ID {
		t.Errorf("SourceID = %q, want %q", res.SourceID, src.ID)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatalf("DecodeConfig() error = %v", err)
	}
	if format != "jpeg" || cfg.Width != 2000 || cfg.Height != 1000 {
		t.Errorf("encoded = %s %dx%d, want jpeg 2000x1000", format, cfg.Width, cfg.Height)
	}
}

func TestReencode_JPEGQualityFloor(t *testing.T) {
	c := newTestCompressor()
	src := mustSource(t, "photo.jpg", "image/jpg", encodeJPEG(t, 64, 48))

	tests := []struct {
		quality float64
		want    float64
	}{
		{0, 0.6},
		{0.3, 0.6},
		{0.6, 0.6},
		{0.9, 0.9},
		{1, 1},
	}
	for _, tt := range tests {
		res, err := c.Reencode(context.Background(), src, CompressionRequest{Quality: tt.quality})
		if err != nil {
			t.Fatalf("Reencode(%v) error = %v", tt.quality, err)
		}
		if res.EffectiveQuality != tt.want {
			t.Errorf("Reencode(%v) effective = %v, want %v", tt.quality, res.EffectiveQuality, tt.want)
		}
		if res.Width != 64 || res.Height != 48 {
			t.Errorf("Reencode(%v) size = %dx%d, want 64x48", tt.quality, res.Width, res.Height)
		}
	}
}

func TestReencode_PNGDownscale(t *testing.T) {
	c := newTestCompressor()
	src := mustSource(t, "shot.png", "image/png", encodePNG(t, 800, 600))

	tests := []struct {
		quality      float64
		wantW, wantH int
	}{
		{0.2, 160, 120},
		{0, 80, 60},
		{0.05, 80, 60},
		{0.75, 600, 450},
		{1, 800, 600},
	}
	for _, tt := range tests {
		res, err := c.Reencode(context.Background(), src, CompressionRequest{Quality: tt.quality})
		if err != nil {
			t.Fatalf("Reencode(%v) error = %v", tt.quality, err)
		}
		if res.Width != tt.wantW || res.Height != tt.wantH {
			t.Errorf("Reencode(%v) size = %dx%d, want %dx%d", tt.quality, res.Width, res.Height, tt.wantW, tt.wantH)
		}
		if res.MIMEType != MIMETypePNG {
			t.Errorf("Reencode(%v) MIMEType = %q, want image/png", tt.quality, res.MIMEType)
		}
		if _, format, err := image.DecodeConfig(bytes.NewReader(res.Data)); err != nil || format != "png" {
			t.Errorf("Reencode(%v) encoded format = %q, err = %v", tt.quality, format, err)
		}
	}
}

func TestReencode_UnknownTypeFallsBackToJPEG(t *testing.T) {
	c := newTestCompressor()
	src := mustSource(t, "frame.gif", "image/gif", encodePNG(t, 40, 30))

	res, err := c.Reencode(context.Background(), src, CompressionRequest{Quality: 0.1})
	if err != nil {
		t.Fatalf("Reencode() error = %v", err)
	}
	if res.MIMEType != MIMETypeJPEG || res.EffectiveQuality != 0.6 {
		t.Errorf("Reencode() = %s at %v, want image/jpeg at 0.6", res.MIMEType, res.EffectiveQuality)
	}
	if res.Width != 40 || res.Height != 30 {
		t.Errorf("Reencode() size = %dx%d, want 40x30", res.Width, res.Height)
	}
}

func TestReencode_SizeMatchesDataURLEstimate(t *testing.T) {
	c := newTestCompressor()
	src := mustSource(t, "a.jpg", "image/jpeg", encodeJPEG(t, 100, 100))

	res, err := c.Reencode(context.Background(), src, CompressionRequest{Quality: 0.8})
	if err != nil {
		t.Fatalf("Reencode() error = %v", err)
	}
	payload := base64.StdEncoding.EncodeToString(res.Data)
	if want := DataURLSize(len(payload)); res.Size != want {
		t.Errorf("Size = %d, want %d", res.Size, want)
	}
	if res.Size < int64(len(res.Data)) {
		t.Errorf("Size = %d, smaller than payload %d", res.Size, len(res.Data))
	}
}

func TestReencode_Idempotent(t *testing.T) {
	c := newTestCompressor()
	src := mustSource(t, "a.png", "image/png", encodePNG(t, 120, 80))

	a, err := c.Reencode(context.Background(), src, CompressionRequest{Quality: 0.5})
	if err != nil {
		t.Fatalf("Reencode() error = %v", err)
	}
	b, err := c.Reencode(context.Background(), src, CompressionRequest{Quality: 0.5})
	if err != nil {
		t.Fatalf("Reencode() error = %v", err)
	}
	if !bytes.Equal(a.Data, b.Data) {
		t.Error("Reencode() produced different bytes for identical input")
	}
}

func TestReencode_Errors(t *testing.T) {
	c := newTestCompressor()

	if _, err := NewSourceImage("bad.jpg", "image/jpeg", []byte("not an image")); !errors.Is(err, ErrDecode) {
		t.Errorf("NewSourceImage(corrupt) error = %v, want ErrDecode", err)
	}

	corrupt := &SourceImage{ID: "x", MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8, 0x00}}
	if _, err := c.Reencode(context.Background(), corrupt, CompressionRequest{Quality: 0.5}); !errors.Is(err, ErrDecode) {
		t.Errorf("Reencode(corrupt) error = %v, want ErrDecode", err)
	}

	if _, err := c.Reencode(context.Background(), nil, CompressionRequest{Quality: 0.5}); !errors.Is(err, ErrNoSource) {
		t.Errorf("Reencode(nil) error = %v, want ErrNoSource", err)
	}

	src := mustSource(t, "a.jpg", "image/jpeg", encodeJPEG(t, 10, 10))
	for _, q := range []float64{-0.1, 1.5} {
		if _, err := c.Reencode(context.Background(), src, CompressionRequest{Quality: q}); !errors.Is(err, ErrInvalidQuality) {
			t.Errorf("Reencode(q=%v) error = %v, want ErrInvalidQuality", q, err)
		}
	}

	// A 4x4 PNG at the 0.1 floor rounds to 0x0.
	tiny := mustSource(t, "tiny.png", "image/png", encodePNG(t, 4, 4))
	if _, err := c.Reencode(context.Background(), tiny, CompressionRequest{Quality: 0}); !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("Reencode(tiny png) error = %v, want ErrInvalidDimensions", err)
	}
}

func TestReencode_CancelledWhileWaiting(t *testing.T) {
	c := NewDefaultCompressor(Options{MaxDimension: 2000, JPEGMinQuality: 0.6, PNGMinScale: 0.1, Workers: 1}, nil)
	c.workerPool <- struct{}{}
	defer func() { <-c.workerPool }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := mustSource(t, "a.jpg", "image/jpeg", encodeJPEG(t, 10, 10))
	if _, err := c.Reencode(ctx, src, CompressionRequest{Quality: 0.5}); !errors.Is(err, context.Canceled) {
		t.Errorf("Reencode() error = %v, want context.Canceled", err)
	}
}

// withOrientation splices a little-endian APP1 EXIF block holding only the
// Orientation tag into a baseline JPEG.
func withOrientation(jpg []byte, orientation uint16) []byte {
	le := binary.LittleEndian
	var tiff bytes.Buffer
	tiff.WriteString("II")
	binary.Write(&tiff, le, uint16(42))
	binary.Write(&tiff, le, uint32(8))
	binary.Write(&tiff, le, uint16(1))
	binary.Write(&tiff, le, uint16(0x0112))
	binary.Write(&tiff, le, uint16(3))
	binary.Write(&tiff, le, uint32(1))
	binary.Write(&tiff, le, orientation)
	binary.Write(&tiff, le, uint16(0))
	binary.Write(&tiff, le, uint32(0))

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)

	var out bytes.Buffer
	out.Write([]byte{0xFF, 0xD8, 0xFF, 0xE1})
	binary.Write(&out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	out.Write(jpg[2:])
	return out.Bytes()
}

func TestReencode_AppliesEXIFOrientation(t *testing.T) {
	c := newTestCompressor()
	// Stored landscape, tagged "rotate 90 CW" so it displays as portrait.
	src := mustSource(t, "portrait.jpg", "image/jpeg", withOrientation(encodeJPEG(t, 80, 40), 6))
	if src.Width != 40 || src.Height != 80 {
		t.Fatalf("source = %dx%d, want 40x80", src.Width, src.Height)
	}

	res, err := c.Reencode(context.Background(), src, CompressionRequest{Quality: 1})
	if err != nil {
		t.Fatalf("Reencode() error = %v", err)
	}
	if res.Width != 40 || res.Height != 80 {
		t.Errorf("result = %dx%d, want 40x80", res.Width, res.Height)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatalf("jpeg.DecodeConfig() error = %v", err)
	}
	if cfg.Width != 40 || cfg.Height != 80 {
		t.Errorf("encoded = %dx%d, want 40x80", cfg.Width, cfg.Height)
	}
}

func TestReencode_LargeRotatedSourceFitsAfterOrientation(t *testing.T) {
	c := newTestCompressor()
	src := mustSource(t, "tall.jpg", "image/jpeg", withOrientation(encodeJPEG(t, 3000, 1500), 6))

	res, err := c.Reencode(context.Background(), src, CompressionRequest{Quality: 0.5})
	if err != nil {
		t.Fatalf("Reencode() error = %v", err)
	}
	if res.Width != 1000 || res.Height != 2000 {
		t.Errorf("result = %dx%d, want 1000x2000", res.Width, res.Height)
	}
}
