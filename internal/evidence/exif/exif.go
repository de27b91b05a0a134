// Package exif extracts capture metadata from JPEG payloads for the
// server-side cross-validation checks. Extraction is best-effort: a payload
// without EXIF yields Metadata{Present: false}, never an error, because the
// validator decides what absence means per evidence type.
package exif

import (
	"bytes"
	"time"

	goexif "github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// Metadata is the subset of EXIF the validator cross-checks against the
// device-claimed capture metadata.
type Metadata struct {
	Present     bool
	Latitude    *float64
	Longitude   *float64
	TakenAt     *time.Time
	CameraMake  string
	CameraModel string
	// Tags holds every decoded field, persisted for the audit trail.
	Tags map[string]string
}

// Extract decodes EXIF from image bytes.
func Extract(data []byte) Metadata {
	x, err := goexif.Decode(bytes.NewReader(data))
	if err != nil {
		return Metadata{}
	}

	md := Metadata{Present: true, Tags: make(map[string]string)}

	if lat, long, err := x.LatLong(); err == nil {
		md.Latitude = &lat
		md.Longitude = &long
	}
	if taken, err := x.DateTime(); err == nil {
		md.TakenAt = &taken
	}
	if tag, err := x.Get(goexif.Make); err == nil {
		if v, err := tag.StringVal(); err == nil {
			md.CameraMake = v
		}
	}
	if tag, err := x.Get(goexif.Model); err == nil {
		if v, err := tag.StringVal(); err == nil {
			md.CameraModel = v
		}
	}

	_ = x.Walk(tagCollector{tags: md.Tags})
	return md
}

type tagCollector struct {
	tags map[string]string
}

func (c tagCollector) Walk(name goexif.FieldName, tag *tiff.Tag) error {
	c.tags[string(name)] = tag.String()
	return nil
}
