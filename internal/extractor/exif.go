package extractor

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
)

// EXIFExtractor reads metadata from image bytes using EXIF tags.
type EXIFExtractor struct {
	logger *logrus.Logger
}

// NewEXIFExtractor returns a new EXIFExtractor.
func NewEXIFExtractor(logger *logrus.Logger) *EXIFExtractor {
	if logger == nil {
		logger = logrus.New()
	}
	return &EXIFExtractor{logger: logger}
}

// Extract returns the metadata found in data. Images without a readable EXIF
// block (most PNGs, screenshots) yield empty metadata and no error.
func (e *EXIFExtractor) Extract(data []byte) (*Metadata, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}
	meta := &Metadata{}

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		e.logger.Debugf("No usable EXIF data: %v", err)
		return meta, nil
	}

	if date, source := e.extractDate(x); date != nil {
		meta.Taken = date
		meta.DateSource = source
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
			meta.Orientation = Orientation(v)
		}
	}
	meta.CameraMake = stringTag(x, exif.Make)
	meta.CameraModel = stringTag(x, exif.Model)
	meta.Software = stringTag(x, exif.Software)

	return meta, nil
}

// extractDate tries DateTime, then DateTimeOriginal, then DateTimeDigitized.
func (e *EXIFExtractor) extractDate(x *exif.Exif) (*time.Time, DateSource) {
	if tm, err := x.DateTime(); err == nil {
		e.logger.Debugf("Extracted DateTime from EXIF: %v", tm)
		return &tm, DateSourceEXIFDateTime
	}

	if date := e.parseEXIFDateTime(stringTag(x, exif.DateTimeOriginal)); date != nil {
		e.logger.Debugf("Extracted DateTimeOriginal from EXIF: %v", date)
		return date, DateSourceEXIFDateTimeOriginal
	}

	if date := e.parseEXIFDateTime(stringTag(x, exif.DateTimeDigitized)); date != nil {
		e.logger.Debugf("Extracted DateTimeDigitized from EXIF: %v", date)
		return date, DateSourceEXIFDateTimeDigitized
	}

	return nil, DateSourceUnknown
}

// parseEXIFDateTime parses an EXIF date time string and returns a time.Time pointer.
// Returns nil if parsing fails.
func (e *EXIFExtractor) parseEXIFDateTime(dateStr string) *time.Time {
	if dateStr == "" {
		return nil
	}

	formats := []string{
		"2006:01:02 15:04:05",
		"2006-01-02 15:04:05",
		"2006:01:02",
		"2006-01-02",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if date, err := time.Parse(format, dateStr); err == nil {
			return &date
		}
	}

	e.logger.Debugf("Failed to parse date string: %s", dateStr)
	return nil
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	v, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(v, "\x00"))
}
