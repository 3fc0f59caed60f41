package naming

import (
	"fmt"
	"strconv"
)

// AttachmentFilename builds the download filename carrying the request
// parameters, e.g. satellite_47.6062_-122.3321_100ha.png.
func AttachmentFilename(lat, lon, hectares float64) string {
	return fmt.Sprintf("satellite_%s_%s_%sha.png",
		formatParam(lat), formatParam(lon), formatParam(hectares))
}

// formatParam renders a float without trailing zeros so 100.0 reads as "100".
func formatParam(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
