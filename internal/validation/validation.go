package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/models"
)

// DateLayout is the calendar date format accepted in query parameters.
const DateLayout = "2006-01-02"

// ErrCoordinatesMissing is returned when latitude or longitude is absent.
var ErrCoordinatesMissing = errors.New("latitude and longitude are required parameters")

// ErrNotNumeric is returned when latitude, longitude, or hectares fail to parse.
var ErrNotNumeric = errors.New("latitude, longitude, and hectares must be numeric values")

// ErrLatitudeRange is returned when latitude falls outside [-90, 90].
var ErrLatitudeRange = errors.New("latitude must be between -90 and 90")

// ErrLongitudeRange is returned when longitude falls outside [-180, 180].
var ErrLongitudeRange = errors.New("longitude must be between -180 and 180")

// ErrHectaresNotPositive is returned when hectares is zero or negative.
var ErrHectaresNotPositive = errors.New("hectares must be greater than zero")

// ErrDateMalformed is returned when a date parameter is not YYYY-MM-DD.
var ErrDateMalformed = errors.New("dates must be in YYYY-MM-DD format")

// ErrDateRangeInverted is returned when start_date is after end_date.
var ErrDateRangeInverted = errors.New("start_date must not be after end_date")

// Params holds raw query string values. Defaults are applied by the HTTP layer
// before parsing, so every field except latitude and longitude is expected to
// be populated here; coordinates have no defaults.
type Params struct {
	Latitude  string
	Longitude string
	Hectares  string
	StartDate string
	EndDate   string
}

// ParseRequest validates and converts raw parameters into an ImageryRequest.
// Rejection happens here, before any geometry is computed.
func ParseRequest(p Params) (models.ImageryRequest, error) {
	var req models.ImageryRequest

	if p.Latitude == "" || p.Longitude == "" {
		return req, ErrCoordinatesMissing
	}

	lat, err := parseFloat(p.Latitude)
	if err != nil {
		return req, err
	}
	lon, err := parseFloat(p.Longitude)
	if err != nil {
		return req, err
	}
	hectares, err := parseFloat(p.Hectares)
	if err != nil {
		return req, err
	}

	if lat < -90 || lat > 90 {
		return req, ErrLatitudeRange
	}
	if lon < -180 || lon > 180 {
		return req, ErrLongitudeRange
	}
	if hectares <= 0 {
		return req, ErrHectaresNotPositive
	}

	start, err := time.Parse(DateLayout, p.StartDate)
	if err != nil {
		return req, fmt.Errorf("%w: %q", ErrDateMalformed, p.StartDate)
	}
	end, err := time.Parse(DateLayout, p.EndDate)
	if err != nil {
		return req, fmt.Errorf("%w: %q", ErrDateMalformed, p.EndDate)
	}
	if start.After(end) {
		return req, ErrDateRangeInverted
	}

	req.Latitude = lat
	req.Longitude = lon
	req.Hectares = hectares
	req.StartDate = start
	req.EndDate = end
	return req, nil
}

// parseFloat parses a finite float. NaN and infinities count as non-numeric.
func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrNotNumeric, s)
	}
	return v, nil
}
