package extractor

import (
	"time"
)

// MetadataExtractor reads descriptive metadata from encoded image bytes.
type MetadataExtractor interface {
	Extract(data []byte) (*Metadata, error)
}

// Orientation is the EXIF orientation tag value (1-8).
type Orientation int

const (
	OrientationUnknown Orientation = iota
	OrientationNormal
	OrientationFlipH
	OrientationRotate180
	OrientationFlipV
	OrientationTranspose
	OrientationRotate90
	OrientationTransverse
	OrientationRotate270
)

// DateSource represents the EXIF tag the capture date came from.
type DateSource int

const (
	DateSourceUnknown DateSource = iota
	DateSourceEXIFDateTime
	DateSourceEXIFDateTimeOriginal
	DateSourceEXIFDateTimeDigitized
)

// Metadata is what the extractor found. Zero values mean the tag was absent.
type Metadata struct {
	Taken       *time.Time  `json:"taken,omitempty"`
	DateSource  DateSource  `json:"-"`
	Orientation Orientation `json:"orientation,omitempty"`
	CameraMake  string      `json:"camera_make,omitempty"`
	CameraModel string      `json:"camera_model,omitempty"`
	Software    string      `json:"software,omitempty"`
}

// Empty reports whether no tag was found.
func (m *Metadata) Empty() bool {
	return m == nil || (m.Taken == nil && m.Orientation == OrientationUnknown &&
		m.CameraMake == "" && m.CameraModel == "" && m.Software == "")
}

// String returns a human-readable description of the date source.
func (ds DateSource) String() string {
	switch ds {
	case DateSourceEXIFDateTime:
		return "EXIF DateTime"
	case DateSourceEXIFDateTimeOriginal:
		return "EXIF DateTimeOriginal"
	case DateSourceEXIFDateTimeDigitized:
		return "EXIF DateTimeDigitized"
	default:
		return "Unknown"
	}
}

// Rotated reports whether displaying the image requires a 90° turn, which
// swaps its stored width and height.
func (o Orientation) Rotated() bool {
	return o >= OrientationTranspose && o <= OrientationRotate270
}

// String returns the conventional name of the orientation.
func (o Orientation) String() string {
	switch o {
	case OrientationNormal:
		return "Normal"
	case OrientationFlipH:
		return "Mirror horizontal"
	case OrientationRotate180:
		return "Rotate 180"
	case OrientationFlipV:
		return "Mirror vertical"
	case OrientationTranspose:
		return "Mirror horizontal and rotate 270 CW"
	case OrientationRotate90:
		return "Rotate 90 CW"
	case OrientationTransverse:
		return "Mirror horizontal and rotate 90 CW"
	case OrientationRotate270:
		return "Rotate 270 CW"
	default:
		return "Unknown"
	}
}
