package models

import (
	"fmt"
	"strconv"
	"time"
)

// ImageryRequest is a validated request for a satellite image. All fields are
// populated before any geometry is computed.
type ImageryRequest struct {
	Latitude  float64
	Longitude float64
	Hectares  float64
	StartDate time.Time
	EndDate   time.Time
}

// CacheKey returns the canonical cache key for a request. Two requests with the
// same parameters map to the same rendered image.
func (r ImageryRequest) CacheKey() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		strconv.FormatFloat(r.Longitude, 'f', -1, 64),
		strconv.FormatFloat(r.Hectares, 'f', -1, 64),
		r.StartDate.Format("2006-01-02"),
		r.EndDate.Format("2006-01-02"))
}

// SourceSpec describes one imagery catalog consulted during image selection.
// Sources are tried in the order they are configured; the first source that
// yields any candidate wins.
type SourceSpec struct {
	Name           string
	Collection     string
	CloudProperty  string
	CloudThreshold *float64 // nil disables threshold filtering
	Bands          []string
}

// CloudCoverUnknown marks a scene whose catalog entry carries no cloud-cover
// property. Such scenes rank after every scene with a known value.
const CloudCoverUnknown = -1

// Scene is a single image candidate returned by a catalog search.
type Scene struct {
	Name       string // full asset name, e.g. projects/earthengine-public/assets/COPERNICUS/...
	ID         string
	Collection string
	AcquiredAt time.Time
	CloudCover float64 // value of the source's cloud property, or CloudCoverUnknown
}

// VisualizationSpec describes how a selected scene is rendered to a raster.
type VisualizationSpec struct {
	Bands      []string
	Min        float64
	Max        float64
	Gamma      float64
	Dimensions int
}
