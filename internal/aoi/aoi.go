package aoi

import (
	"encoding/json"
	"math"
)

// DefaultSafetyMargin pads the buffer radius by 10% so the fixed-size crop does
// not clip the requested parcel. Real parcels are not circles, so this is a
// heuristic and is configurable per deployment.
const DefaultSafetyMargin = 1.1

const earthRadiusKm = 6371.0

// BufferRadiusKm converts a land area in hectares to the radius in kilometers
// of a circle covering the same ground area, scaled by safetyMargin.
// The caller must reject non-positive areas before calling.
func BufferRadiusKm(hectares, safetyMargin float64) float64 {
	areaSqKm := hectares * 0.01
	radiusKm := math.Sqrt(areaSqKm / math.Pi)
	return radiusKm * safetyMargin
}

// AreaOfInterest is the circular query region sent to the imagery catalog.
// Immutable once computed from a request.
type AreaOfInterest struct {
	Lat      float64
	Lon      float64
	RadiusKm float64
}

// New derives the area of interest for a request center and area.
func New(lat, lon, hectares, safetyMargin float64) AreaOfInterest {
	return AreaOfInterest{
		Lat:      lat,
		Lon:      lon,
		RadiusKm: BufferRadiusKm(hectares, safetyMargin),
	}
}

// regionVertices is the number of polygon vertices used to approximate the
// circular buffer. 32 keeps the area error under 0.7%.
const regionVertices = 32

// RegionGeoJSON approximates the circular buffer as a closed GeoJSON polygon.
// The catalog's spatial filter takes a polygon, not a center and radius.
// Longitudinal spans are corrected for latitude.
func (a AreaOfInterest) RegionGeoJSON() ([]byte, error) {
	dLat := a.RadiusKm / earthRadiusKm * 180 / math.Pi
	cosLat := math.Cos(a.Lat * math.Pi / 180)
	if cosLat < 1e-6 {
		cosLat = 1e-6 // degenerate at the poles
	}
	dLon := dLat / cosLat

	ring := make([][2]float64, 0, regionVertices+1)
	for i := 0; i <= regionVertices; i++ {
		theta := 2 * math.Pi * float64(i) / regionVertices
		ring = append(ring, [2]float64{
			a.Lon + dLon*math.Cos(theta),
			a.Lat + dLat*math.Sin(theta),
		})
	}

	return json.Marshal(map[string]interface{}{
		"type":        "Polygon",
		"coordinates": [][][2]float64{ring},
	})
}
