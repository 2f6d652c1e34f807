package compressor

import (
	"context"
	"errors"
	"image"
	"time"
)

var (
	// ErrDecode is returned when the source bytes cannot be decoded as an image.
	ErrDecode = errors.New("image decode failed")
	// ErrInvalidDimensions is returned when a computed render target has a zero or negative side.
	ErrInvalidDimensions = errors.New("invalid target dimensions")
	// ErrInvalidQuality is returned for a quality outside [0,1].
	ErrInvalidQuality = errors.New("quality must be within [0,1]")
	// ErrNoSource is returned when there is nothing to re-encode.
	ErrNoSource = errors.New("no source image")
)

// MIME types that select an encoding branch.
const (
	MIMETypeJPEG = "image/jpeg"
	MIMETypeJPG  = "image/jpg"
	MIMETypePNG  = "image/png"
)

// SourceImage is the originally loaded picture. It is never mutated after
// NewSourceImage returns.
type SourceImage struct {
	ID        string
	FileName  string
	MIMEType  string
	Data      []byte
	Width     int
	Height    int
	LoadedAt  time.Time
	decoded   image.Image
}

// Size returns the raw byte length of the source.
func (s *SourceImage) Size() int64 {
	return int64(len(s.Data))
}

// CompressionRequest carries one quality setting in [0,1].
type CompressionRequest struct {
	Quality float64
}

// EncodedResult is the output of one re-encoding.
type EncodedResult struct {
	SourceID         string
	Data             []byte
	MIMEType         string
	Size             int64
	Width            int
	Height           int
	RequestedQuality float64
	EffectiveQuality float64
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Compressor defines the interface for re-encoding a source image.
type Compressor interface {
	// Reencode decodes, resizes and re-encodes source at the requested quality.
	Reencode(ctx context.Context, source *SourceImage, req CompressionRequest) (*EncodedResult, error)
}
