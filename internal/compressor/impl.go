package compressor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	// Registers the WebP decoder with image.Decode; imaging already pulls in BMP and TIFF.
	_ "golang.org/x/image/webp"
)

// Options controls the re-encoding policy.
type Options struct {
	MaxDimension   int     // longer side limit in pixels
	JPEGMinQuality float64 // lower bound applied to JPEG quality
	PNGMinScale    float64 // lower bound applied to the PNG downscale factor
	Workers        int     // maximum concurrent re-encodes
}

// DefaultOptions returns the stock policy: 2000px, 0.6 JPEG floor, 0.1 PNG floor.
func DefaultOptions() Options {
	return Options{
		MaxDimension:   2000,
		JPEGMinQuality: 0.6,
		PNGMinScale:    0.1,
		Workers:        4,
	}
}

// DefaultCompressor is the default implementation of the Compressor interface.
type DefaultCompressor struct {
	opts       Options
	logger     *logrus.Logger
	workerPool chan struct{}
}

// NewDefaultCompressor creates a new DefaultCompressor instance.
func NewDefaultCompressor(opts Options, logger *logrus.Logger) *DefaultCompressor {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultOptions().MaxDimension
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &DefaultCompressor{
		opts:       opts,
		logger:     logger,
		workerPool: make(chan struct{}, workers),
	}
}

// NewSourceImage decodes data once, applying EXIF orientation, and returns an
// immutable SourceImage carrying the decoded pixels.
func NewSourceImage(fileName, mimeType string, data []byte) (*SourceImage, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	return &SourceImage{
		ID:       uuid.NewString(),
		FileName: fileName,
		MIMEType: NormalizeMIME(mimeType),
		Data:     data,
		Width:    b.Dx(),
		Height:   b.Dy(),
		LoadedAt: time.Now(),
		decoded:  img,
	}, nil
}

// Reencode performs one re-encoding of source.
func (c *DefaultCompressor) Reencode(ctx context.Context, source *SourceImage, req CompressionRequest) (*EncodedResult, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	if math.IsNaN(req.Quality) || req.Quality < 0 || req.Quality > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidQuality, req.Quality)
	}

	select {
	case c.workerPool <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.workerPool }()

	start := time.Now()
	img := source.decoded
	if img == nil {
		var err error
		img, err = imaging.Decode(bytes.NewReader(source.Data), imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}

	b := img.Bounds()
	width, height := FitDimensions(b.Dx(), b.Dy(), c.opts.MaxDimension)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	canvas := imaging.Resize(img, width, height, imaging.CatmullRom)

	res := &EncodedResult{
		SourceID:         source.ID,
		RequestedQuality: req.Quality,
		StartedAt:        start,
	}

	var buf bytes.Buffer
	switch source.MIMEType {
	case MIMETypePNG:
		factor := max(c.opts.PNGMinScale, req.Quality)
		pngWidth, pngHeight := ScaleDimensions(width, height, factor)
		if pngWidth <= 0 || pngHeight <= 0 {
			return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, pngWidth, pngHeight)
		}
		canvas = imaging.Resize(canvas, pngWidth, pngHeight, imaging.CatmullRom)
		if err := imaging.Encode(&buf, canvas, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression)); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		res.MIMEType = MIMETypePNG
		res.EffectiveQuality = factor
	case MIMETypeJPEG, MIMETypeJPG:
		if err := c.encodeJPEG(&buf, canvas, req.Quality, res); err != nil {
			return nil, err
		}
	default:
		c.logger.WithField("mime", source.MIMEType).Debug("Unrecognised type, encoding as JPEG")
		if err := c.encodeJPEG(&buf, canvas, req.Quality, res); err != nil {
			return nil, err
		}
	}

	bounds := canvas.Bounds()
	res.Data = buf.Bytes()
	res.Width = bounds.Dx()
	res.Height = bounds.Dy()
	res.Size = DataURLSize(base64.StdEncoding.EncodedLen(len(res.Data)))
	res.FinishedAt = time.Now()

	c.logger.WithFields(logrus.Fields{
		"source":            source.ID,
		"mime":              res.MIMEType,
		"requested_quality": req.Quality,
		"effective_quality": res.EffectiveQuality,
		"width":             res.Width,
		"height":            res.Height,
		"duration":          res.FinishedAt.Sub(start),
	}).Debug("Re-encoded image")

	return res, nil
}

// encodeJPEG writes canvas as JPEG with the quality floor applied.
func (c *DefaultCompressor) encodeJPEG(w io.Writer, canvas image.Image, requested float64, res *EncodedResult) error {
	quality := max(c.opts.JPEGMinQuality, requested)
	if err := imaging.Encode(w, canvas, imaging.JPEG, imaging.JPEGQuality(JPEGQuality(quality))); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	res.MIMEType = MIMETypeJPEG
	res.EffectiveQuality = quality
	return nil
}

// FitDimensions returns the render size for a w×h image so that neither side
// exceeds maxDim. The longer side becomes exactly maxDim; images are never upscaled.
func FitDimensions(w, h, maxDim int) (int, int) {
	if w <= maxDim && h <= maxDim {
		return w, h
	}
	if w > h {
		return maxDim, int(math.Round(float64(h) * float64(maxDim) / float64(w)))
	}
	return int(math.Round(float64(w) * float64(maxDim) / float64(h))), maxDim
}

// ScaleDimensions multiplies both sides by factor, rounding to whole pixels.
func ScaleDimensions(w, h int, factor float64) (int, int) {
	return int(math.Round(float64(w) * factor)), int(math.Round(float64(h) * factor))
}

// JPEGQuality maps a [0,1] quality to the encoder's 1..100 scale.
func JPEGQuality(q float64) int {
	return min(max(int(math.Round(q*100)), 1), 100)
}

// DataURLSize estimates the decoded length of a base64 payload of payloadLen
// characters as ceil(payloadLen*3/4), without correcting for padding.
func DataURLSize(payloadLen int) int64 {
	return int64(math.Ceil(float64(payloadLen) * 3 / 4))
}

// NormalizeMIME lowercases a media type and strips any parameters.
func NormalizeMIME(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// IsImageMIME reports whether the media type is an image/* type.
func IsImageMIME(mimeType string) bool {
	return strings.HasPrefix(NormalizeMIME(mimeType), "image/")
}
