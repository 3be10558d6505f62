package metadata

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// GPS is a decoded EXIF position.
type GPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// EXIF holds the tags the pipeline cares about.
type EXIF struct {
	Make             string     `json:"make,omitempty"`
	Model            string     `json:"model,omitempty"`
	Software         string     `json:"software,omitempty"`
	Artist           string     `json:"artist,omitempty"`
	DateTimeOriginal *time.Time `json:"date_time_original,omitempty"`
	DateTime         *time.Time `json:"date_time,omitempty"`
	GPS              *GPS       `json:"gps,omitempty"`
}

// ReadEXIF decodes EXIF from JPEG bytes. EXIF timestamps carry no zone and are read as UTC.
func ReadEXIF(data []byte) (*EXIF, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("no decodable EXIF: %w", err)
	}

	out := &EXIF{
		Make:     tagString(x, exif.Make),
		Model:    tagString(x, exif.Model),
		Software: tagString(x, exif.Software),
		Artist:   tagString(x, exif.Artist),
	}
	out.DateTimeOriginal = tagTime(x, exif.DateTimeOriginal)
	out.DateTime = tagTime(x, exif.DateTime)

	if lat, long, err := x.LatLong(); err == nil {
		out.GPS = &GPS{Latitude: lat, Longitude: long}
	}
	return out, nil
}

// CaptureTime is DateTimeOriginal, falling back to DateTime.
func (e *EXIF) CaptureTime() *time.Time {
	if e.DateTimeOriginal != nil {
		return e.DateTimeOriginal
	}
	return e.DateTime
}

func tagString(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

func tagTime(x *exif.Exif, name exif.FieldName) *time.Time {
	s := tagString(x, name)
	if s == "" {
		return nil
	}
	t, err := time.ParseInLocation(exifTimeLayout, s, time.UTC)
	if err != nil {
		return nil
	}
	return &t
}
