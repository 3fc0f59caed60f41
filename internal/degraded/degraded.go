package degraded

import (
	"time"

	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/traffic"
)

// RecordSuccess records a successfully served imagery request.
func RecordSuccess() {
	traffic.RecordSuccess()
}

// RecordError records a failed imagery request (upstream error, timeout, init failure).
func RecordError() {
	traffic.RecordError()
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors.
func ErrorRate(window time.Duration) (errors, total int) {
	return traffic.ErrorRate(window)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
