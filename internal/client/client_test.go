package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/config"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/models"
)

// newTestClient returns a client pointed at ts with the session already
// initialized, so tests exercise the REST paths without real credentials.
func newTestClient(ts *httptest.Server) *EarthEngineClient {
	return &EarthEngineClient{
		baseURL:        ts.URL,
		timeout:        2 * time.Second,
		retryAttempts:  3,
		retryBaseDelay: time.Millisecond,
		retryMaxDelay:  5 * time.Millisecond,
		httpClient:     ts.Client(),
		initialized:    true,
	}
}

func testQuery(threshold *float64) SceneQuery {
	return SceneQuery{
		Collection:    "COPERNICUS/S2_SR_HARMONIZED",
		Region:        []byte(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`),
		StartDate:     time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:       time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC),
		CloudProperty: "CLOUDY_PIXEL_PERCENTAGE",
		MaxCloudCover: threshold,
	}
}

func TestSearchScenes_ParsesResponse(t *testing.T) {
	var gotQuery map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "COPERNICUS/S2_SR_HARMONIZED:listImages") {
			t.Errorf("path = %q, want listImages on the collection", r.URL.Path)
		}
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"images": [
				{
					"name": "projects/earthengine-public/assets/COPERNICUS/S2_SR_HARMONIZED/A",
					"id": "COPERNICUS/S2_SR_HARMONIZED/A",
					"startTime": "2024-07-01T10:00:00Z",
					"properties": {"CLOUDY_PIXEL_PERCENTAGE": 3.5}
				},
				{
					"name": "projects/earthengine-public/assets/COPERNICUS/S2_SR_HARMONIZED/B",
					"id": "COPERNICUS/S2_SR_HARMONIZED/B",
					"startTime": "2024-08-01T10:00:00Z",
					"properties": {}
				}
			]
		}`))
	}))
	defer ts.Close()

	threshold := 20.0
	scenes, err := newTestClient(ts).SearchScenes(context.Background(), testQuery(&threshold))
	if err != nil {
		t.Fatalf("SearchScenes() error = %v", err)
	}
	if len(scenes) != 2 {
		t.Fatalf("scenes = %d, want 2", len(scenes))
	}
	if scenes[0].CloudCover != 3.5 {
		t.Errorf("scene A cloud cover = %v, want 3.5", scenes[0].CloudCover)
	}
	if scenes[1].CloudCover != models.CloudCoverUnknown {
		t.Errorf("scene B cloud cover = %v, want unknown", scenes[1].CloudCover)
	}
	if scenes[0].Collection != "COPERNICUS/S2_SR_HARMONIZED" {
		t.Errorf("collection = %q", scenes[0].Collection)
	}
	if got := scenes[0].AcquiredAt; !got.Equal(time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("acquired = %v", got)
	}

	if gotQuery["filter"] != "CLOUDY_PIXEL_PERCENTAGE < 20" {
		t.Errorf("filter = %q, want cloud threshold filter", gotQuery["filter"])
	}
	if gotQuery["startTime"] != "2023-01-01T00:00:00Z" || gotQuery["endTime"] != "2025-03-20T00:00:00Z" {
		t.Errorf("date params = %q..%q", gotQuery["startTime"], gotQuery["endTime"])
	}
	if !strings.Contains(gotQuery["region"], `"Polygon"`) {
		t.Errorf("region param = %q, want GeoJSON polygon", gotQuery["region"])
	}
}

func TestSearchScenes_NoThresholdOmitsFilter(t *testing.T) {
	var filterSeen bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filterSeen = r.URL.Query().Has("filter")
		_, _ = w.Write([]byte(`{"images": []}`))
	}))
	defer ts.Close()

	scenes, err := newTestClient(ts).SearchScenes(context.Background(), testQuery(nil))
	if err != nil {
		t.Fatalf("SearchScenes() error = %v", err)
	}
	if len(scenes) != 0 {
		t.Errorf("scenes = %d, want 0", len(scenes))
	}
	if filterSeen {
		t.Error("filter param sent without a cloud threshold")
	}
}

func TestSearchScenes_CredentialErrorFailsFast(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).SearchScenes(context.Background(), testQuery(nil))
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries on credential errors)", calls)
	}
}

func TestSearchScenes_ServerErrorRetriesThenFails(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).SearchScenes(context.Background(), testQuery(nil))
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("error = %v, want ErrUpstreamFailure", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (retry attempts)", calls)
	}
}

func TestSearchScenes_RecoversAfterTransientError(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"images": []}`))
	}))
	defer ts.Close()

	_, err := newTestClient(ts).SearchScenes(context.Background(), testQuery(nil))
	if err != nil {
		t.Fatalf("SearchScenes() error = %v, want success after retry", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRenderThumbnail(t *testing.T) {
	var gotBody thumbnailRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/thumbnails") {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"name": "projects/my-project/thumbnails/abc123"}`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	c.account = config.ServiceAccount{ProjectID: "my-project"}
	scene := models.Scene{Name: "projects/earthengine-public/assets/COPERNICUS/S2_SR_HARMONIZED/A"}
	vis := models.VisualizationSpec{
		Bands: []string{"B4", "B3", "B2"}, Min: 0, Max: 3000, Gamma: 1.4, Dimensions: 1024,
	}

	fetchURL, err := c.RenderThumbnail(context.Background(), scene, vis, []byte(`{"type":"Polygon"}`))
	if err != nil {
		t.Fatalf("RenderThumbnail() error = %v", err)
	}
	want := ts.URL + "/projects/my-project/thumbnails/abc123:getPixels"
	if fetchURL != want {
		t.Errorf("fetch URL = %q, want %q", fetchURL, want)
	}
	if gotBody.Name != scene.Name {
		t.Errorf("request name = %q, want scene name", gotBody.Name)
	}
	if gotBody.FileFormat != "PNG" || gotBody.Dimensions != 1024 {
		t.Errorf("request format/dimensions = %q/%d", gotBody.FileFormat, gotBody.Dimensions)
	}
	if len(gotBody.BandIds) != 3 || gotBody.BandIds[0] != "B4" {
		t.Errorf("bands = %v", gotBody.BandIds)
	}
	if gotBody.VisualizationOptions.Gamma.Value != 1.4 {
		t.Errorf("gamma = %v, want 1.4", gotBody.VisualizationOptions.Gamma.Value)
	}
}

func TestFetchPNG(t *testing.T) {
	pngBytes := []byte("\x89PNG\r\n\x1a\nfakepixels")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":getPixels") {
			t.Errorf("path = %q, want :getPixels suffix", r.URL.Path)
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer ts.Close()

	got, err := newTestClient(ts).FetchPNG(context.Background(), ts.URL+"/projects/p/thumbnails/abc:getPixels")
	if err != nil {
		t.Fatalf("FetchPNG() error = %v", err)
	}
	if string(got) != string(pngBytes) {
		t.Errorf("bytes = %q, want %q", got, pngBytes)
	}
}

func testServiceAccount(t *testing.T) config.ServiceAccount {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return config.ServiceAccount{
		Type:        "service_account",
		ProjectID:   "test-project",
		PrivateKey:  string(pemBytes),
		ClientEmail: "svc@test-project.iam.gserviceaccount.com",
		TokenURI:    "https://oauth2.googleapis.com/token",
	}
}

func TestEnsureInitialized_MissingCredentials(t *testing.T) {
	c := NewEarthEngineClient(&config.Config{EarthEngineBaseURL: "https://example.invalid"})
	err := c.EnsureInitialized(context.Background())
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}
	if c.Initialized() {
		t.Error("Initialized() = true after failed init")
	}
}

func TestEnsureInitialized_Succeeds(t *testing.T) {
	cfg := &config.Config{
		EarthEngineBaseURL: "https://example.invalid",
		EarthEngineTimeout: time.Second,
		Credentials:        testServiceAccount(t),
	}
	c := NewEarthEngineClient(cfg)

	if c.Initialized() {
		t.Fatal("Initialized() = true before first use")
	}
	if err := c.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized() error = %v", err)
	}
	if !c.Initialized() {
		t.Error("Initialized() = false after successful init")
	}
	// Idempotent on repeat.
	if err := c.EnsureInitialized(context.Background()); err != nil {
		t.Errorf("second EnsureInitialized() error = %v", err)
	}
}

func TestEnsureInitialized_ConcurrentCallers(t *testing.T) {
	cfg := &config.Config{
		EarthEngineBaseURL: "https://example.invalid",
		EarthEngineTimeout: time.Second,
		Credentials:        testServiceAccount(t),
	}
	c := NewEarthEngineClient(cfg)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.EnsureInitialized(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if !c.Initialized() {
		t.Error("Initialized() = false after concurrent init")
	}
}

func TestMapErrorStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{200, nil},
		{401, ErrInvalidCredentials},
		{403, ErrInvalidCredentials},
		{429, ErrRateLimited},
		{500, ErrUpstreamFailure},
		{503, ErrUpstreamFailure},
		{404, ErrUpstreamFailure},
	}
	for _, tc := range tests {
		err := mapErrorStatus(tc.code)
		if tc.want == nil {
			if err != nil {
				t.Errorf("mapErrorStatus(%d) = %v, want nil", tc.code, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Errorf("mapErrorStatus(%d) = %v, want %v", tc.code, err, tc.want)
		}
	}
}
