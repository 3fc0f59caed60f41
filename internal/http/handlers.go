package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/client"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/degraded"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/lifecycle"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/naming"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/overload"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/service"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/validation"
)

// RequestDefaults holds fallback values applied to omitted query parameters.
// Coordinates have no defaults; their absence is a validation error.
type RequestDefaults struct {
	Hectares  string
	StartDate string
	EndDate   string
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	RateLimitBurst       int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	imageryService   *service.ImageryService
	catalog          client.CatalogClient
	defaults         RequestDefaults
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	imageryService *service.ImageryService,
	catalog client.CatalogClient,
	defaults RequestDefaults,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	return &Handler{
		imageryService: imageryService,
		catalog:        catalog,
		defaults:       defaults,
		healthConfig:   healthConfig,
		logger:         logger,
		rateLimiter:    rateLimiter,
	}
}

// GetSatellite handles GET /satellite. Query parameters: latitude, longitude
// (required), hectares, start_date, end_date (defaulted). Responds with a PNG
// attachment.
func (h *Handler) GetSatellite(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := validation.Params{
		Latitude:  q.Get("latitude"),
		Longitude: q.Get("longitude"),
		Hectares:  q.Get("hectares"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}
	if params.Hectares == "" {
		params.Hectares = h.defaults.Hectares
	}
	if params.StartDate == "" {
		params.StartDate = h.defaults.StartDate
	}
	if params.EndDate == "" {
		params.EndDate = h.defaults.EndDate
	}

	req, err := validation.ParseRequest(params)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}

	png, err := h.imageryService.GetSatelliteImage(r.Context(), req)
	if err != nil {
		// No-image is a definitive answer about the catalog, not a failure.
		if errors.Is(err, service.ErrNoImageFound) {
			degraded.RecordSuccess()
			writeError(w, r, http.StatusNotFound, "NO_IMAGE_FOUND", service.ErrNoImageFound.Error())
			return
		}
		degraded.RecordError()
		writeServiceError(w, r, err)
		return
	}
	degraded.RecordSuccess()

	filename := naming.AttachmentFilename(req.Latitude, req.Longitude, req.Hectares)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// GetIndex handles GET /. Returns service metadata and endpoint descriptions.
func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "satellite-imagery-service",
		"endpoints": map[string]string{
			"/satellite": "GET satellite image (params: lat, lon, hectares, start_date, end_date)",
			"/health":    "GET health status",
			"/metrics":   "GET Prometheus metrics",
		},
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["earthEngine"] = "unhealthy"
	} else {
		checks["earthEngine"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":                   result.status,
		"service":                  "satellite-imagery-service",
		"earth_engine_initialized": h.catalog.Initialized(),
		"checks":                   checks,
		"timestamp":                time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating
// conditions in priority order: shutting-down > overloaded > degraded > healthy.
// An uninitialized catalog client is reported via the earth_engine_initialized
// field, not via the status; initialization is lazy and retried per request.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
	if float64(overload.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errors, total := degraded.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errors) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps a failed imagery resolution to an HTTP error.
// Credential failures mean the client never initialized (503); deadline
// expiry maps to 504; everything else is an upstream failure (502).
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, client.ErrInvalidCredentials):
		writeError(w, r, http.StatusServiceUnavailable, "INIT_FAILED", "Earth Engine credentials are missing or invalid")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out while fetching satellite imagery")
	default:
		writeError(w, r, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Unable to fetch satellite imagery")
	}
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("imagery request failed", zap.Error(err))
	}
}
