package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/circuitbreaker"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/config"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/models"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/observability"
)

// CatalogClient is the imagery catalog contract the service layer depends on.
// Search finds candidate scenes, RenderThumbnail produces a fetchable URL for a
// rendered raster, FetchPNG downloads it.
type CatalogClient interface {
	EnsureInitialized(ctx context.Context) error
	Initialized() bool
	SearchScenes(ctx context.Context, q SceneQuery) ([]models.Scene, error)
	RenderThumbnail(ctx context.Context, scene models.Scene, vis models.VisualizationSpec, region []byte) (string, error)
	FetchPNG(ctx context.Context, fetchURL string) ([]byte, error)
}

var (
	// ErrInvalidCredentials covers missing or rejected service-account credentials.
	ErrInvalidCredentials = errors.New("invalid Earth Engine credentials")
	// ErrUpstreamFailure covers 5xx responses and transport failures.
	ErrUpstreamFailure = errors.New("Earth Engine upstream failure")
	// ErrRateLimited is returned on HTTP 429 from the catalog.
	ErrRateLimited = errors.New("Earth Engine rate limited")
)

const earthEngineScope = "https://www.googleapis.com/auth/earthengine"

// publicCatalogParent is the asset root for the public image collections.
const publicCatalogParent = "projects/earthengine-public/assets"

// searchPageSize bounds one catalog search. The cloud threshold is applied
// server-side, so one page is plenty to rank by cloud cover.
const searchPageSize = 200

// SceneQuery describes one catalog search: a collection restricted to a
// region, a date range, and an optional cloud-cover ceiling.
type SceneQuery struct {
	Collection    string
	Region        []byte // GeoJSON geometry
	StartDate     time.Time
	EndDate       time.Time
	CloudProperty string
	MaxCloudCover *float64
}

// EarthEngineClient talks to the Earth Engine REST API with service-account
// auth. The session is initialized lazily on first use; initialization is
// idempotent and safe to invoke concurrently.
type EarthEngineClient struct {
	baseURL        string
	account        config.ServiceAccount
	timeout        time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	mu          sync.Mutex
	httpClient  *http.Client
	initialized bool

	breaker *circuitbreaker.CircuitBreaker
}

// NewEarthEngineClient creates a client. Credentials are not touched until the
// first request needs them, so the service starts (and reports health) without
// a configured account.
func NewEarthEngineClient(cfg *config.Config) *EarthEngineClient {
	return &EarthEngineClient{
		baseURL:        strings.TrimRight(cfg.EarthEngineBaseURL, "/"),
		account:        cfg.Credentials,
		timeout:        cfg.EarthEngineTimeout,
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
	}
}

// SetCircuitBreaker wires a breaker around catalog calls. Call before serving.
func (c *EarthEngineClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// EnsureInitialized builds the authenticated session once. The first
// successful call wins; concurrent callers block on the same mutex and observe
// the initialized session. A failed attempt leaves the client uninitialized so
// a later request can retry (e.g. after credentials are fixed).
func (c *EarthEngineClient) EnsureInitialized(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if !c.account.Configured() {
		return fmt.Errorf("%w: EE_CLIENT_EMAIL and EE_PRIVATE_KEY must be set", ErrInvalidCredentials)
	}
	keyJSON, err := c.account.JSON()
	if err != nil {
		return fmt.Errorf("%w: marshal key: %v", ErrInvalidCredentials, err)
	}
	jwtCfg, err := google.JWTConfigFromJSON(keyJSON, earthEngineScope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	c.httpClient = &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: jwtCfg.TokenSource(context.Background()),
			Base:   http.DefaultTransport,
		},
	}
	c.initialized = true
	return nil
}

// Initialized reports whether the session has been set up. Used by /health.
func (c *EarthEngineClient) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

type listImagesResponse struct {
	Images []struct {
		Name       string                 `json:"name"`
		ID         string                 `json:"id"`
		StartTime  time.Time              `json:"startTime"`
		Properties map[string]interface{} `json:"properties"`
	} `json:"images"`
	NextPageToken string `json:"nextPageToken"`
}

// SearchScenes lists images in the query's collection intersecting the region
// within the date range, with the cloud threshold applied server-side when the
// query defines one. Results carry the cloud property value for ranking.
func (c *EarthEngineClient) SearchScenes(ctx context.Context, q SceneQuery) ([]models.Scene, error) {
	var scenes []models.Scene
	err := c.withRetry(ctx, "search", func() error {
		var callErr error
		scenes, callErr = c.listImages(ctx, q)
		return callErr
	})
	return scenes, err
}

func (c *EarthEngineClient) listImages(ctx context.Context, q SceneQuery) ([]models.Scene, error) {
	endpoint := fmt.Sprintf("%s/%s/%s:listImages", c.baseURL, publicCatalogParent, q.Collection)
	params := url.Values{}
	params.Set("region", string(q.Region))
	params.Set("startTime", q.StartDate.UTC().Format(time.RFC3339))
	params.Set("endTime", q.EndDate.UTC().Format(time.RFC3339))
	params.Set("pageSize", fmt.Sprintf("%d", searchPageSize))
	if q.MaxCloudCover != nil {
		params.Set("filter", fmt.Sprintf("%s < %g", q.CloudProperty, *q.MaxCloudCover))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.execute(req, "search")
	if err != nil {
		return nil, err
	}

	var resp listImagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	scenes := make([]models.Scene, 0, len(resp.Images))
	for _, img := range resp.Images {
		scenes = append(scenes, models.Scene{
			Name:       img.Name,
			ID:         img.ID,
			Collection: q.Collection,
			AcquiredAt: img.StartTime,
			CloudCover: cloudCoverProperty(img.Properties, q.CloudProperty),
		})
	}
	return scenes, nil
}

// cloudCoverProperty extracts the named cloud property from scene metadata.
// Scenes without the property get CloudCoverUnknown and rank last.
func cloudCoverProperty(props map[string]interface{}, name string) float64 {
	if name == "" || props == nil {
		return models.CloudCoverUnknown
	}
	v, ok := props[name]
	if !ok {
		return models.CloudCoverUnknown
	}
	f, ok := v.(float64)
	if !ok {
		return models.CloudCoverUnknown
	}
	return f
}

type thumbnailRequest struct {
	Name                 string               `json:"name"`
	FileFormat           string               `json:"fileFormat"`
	BandIds              []string             `json:"bandIds"`
	Region               json.RawMessage      `json:"region"`
	Dimensions           int                  `json:"dimensions"`
	VisualizationOptions visualizationOptions `json:"visualizationOptions"`
}

type visualizationOptions struct {
	Ranges []rangeSpec `json:"ranges"`
	Gamma  gammaSpec   `json:"gamma"`
}

type rangeSpec struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type gammaSpec struct {
	Value float64 `json:"value"`
}

type thumbnailResponse struct {
	Name string `json:"name"`
}

// RenderThumbnail asks the catalog to render the scene with the given
// visualization cropped to region, and returns the URL the pixels can be
// fetched from.
func (c *EarthEngineClient) RenderThumbnail(ctx context.Context, scene models.Scene, vis models.VisualizationSpec, region []byte) (string, error) {
	payload, err := json.Marshal(thumbnailRequest{
		Name:       scene.Name,
		FileFormat: "PNG",
		BandIds:    vis.Bands,
		Region:     region,
		Dimensions: vis.Dimensions,
		VisualizationOptions: visualizationOptions{
			Ranges: []rangeSpec{{Min: vis.Min, Max: vis.Max}},
			Gamma:  gammaSpec{Value: vis.Gamma},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal thumbnail request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/thumbnails", c.baseURL, c.thumbnailParent())

	var fetchURL string
	err = c.withRetry(ctx, "thumbnail", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create thumbnail request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		body, err := c.execute(req, "thumbnail")
		if err != nil {
			return err
		}
		var resp thumbnailResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("parse thumbnail response: %w", err)
		}
		if resp.Name == "" {
			return fmt.Errorf("%w: thumbnail response missing name", ErrUpstreamFailure)
		}
		fetchURL = fmt.Sprintf("%s/%s:getPixels", c.baseURL, resp.Name)
		return nil
	})
	return fetchURL, err
}

// thumbnailParent returns the project path thumbnails are created under.
func (c *EarthEngineClient) thumbnailParent() string {
	if c.account.ProjectID != "" {
		return "projects/" + c.account.ProjectID
	}
	return "projects/earthengine-legacy"
}

// FetchPNG downloads the rendered raster bytes.
func (c *EarthEngineClient) FetchPNG(ctx context.Context, fetchURL string) ([]byte, error) {
	var png []byte
	err := c.withRetry(ctx, "fetch", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
		if err != nil {
			return fmt.Errorf("create fetch request: %w", err)
		}
		body, err := c.execute(req, "fetch")
		if err != nil {
			return err
		}
		if len(body) == 0 {
			return fmt.Errorf("%w: empty image response", ErrUpstreamFailure)
		}
		png = body
		return nil
	})
	return png, err
}

// execute sends the request through the breaker (when set), maps error
// statuses, records metrics, and returns the response body.
func (c *EarthEngineClient) execute(req *http.Request, operation string) ([]byte, error) {
	c.mu.Lock()
	httpClient := c.httpClient
	c.mu.Unlock()
	if httpClient == nil {
		return nil, fmt.Errorf("%w: client not initialized", ErrUpstreamFailure)
	}

	if corrID := extractCorrelationID(req.Context()); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	start := time.Now()
	var resp *http.Response
	var doErr error
	if c.breaker != nil {
		doErr = c.breaker.Call(req.Context(), func() error {
			var err error
			resp, err = httpClient.Do(req)
			return err
		})
	} else {
		resp, doErr = httpClient.Do(req)
	}
	duration := time.Since(start).Seconds()
	observability.EarthEngineCallDuration.WithLabelValues(operation).Observe(duration)

	if doErr != nil {
		observability.EarthEngineCallsTotal.WithLabelValues(operation, "error").Inc()
		if errors.Is(doErr, circuitbreaker.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, doErr)
		}
		if errors.Is(doErr, context.DeadlineExceeded) || errors.Is(doErr, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", doErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, doErr)
	}
	defer resp.Body.Close()

	observability.EarthEngineCallsTotal.WithLabelValues(operation, statusLabel(resp.StatusCode)).Inc()

	if err := mapErrorStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

// withRetry runs fn with jittered exponential backoff on retryable errors.
// Credential and parse failures fail fast.
func (c *EarthEngineClient) withRetry(ctx context.Context, operation string, fn func() error) error {
	attempts := c.retryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			observability.EarthEngineRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoffDelay(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("%s exhausted retries: %w", operation, lastErr)
}

func (c *EarthEngineClient) backoffDelay(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded")
}

func mapErrorStatus(statusCode int) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidCredentials, statusCode)
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if statusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, statusCode)
	}
	if statusCode < 200 || statusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, statusCode)
	}
	return nil
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}

func extractCorrelationID(ctx context.Context) string {
	if v := ctx.Value("correlation_id"); v != nil {
		if corrID, ok := v.(string); ok {
			return corrID
		}
	}
	return ""
}
