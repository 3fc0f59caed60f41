package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/cache"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/client"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/models"
)

type fakeCatalog struct {
	scenesByCollection map[string][]models.Scene
	searchErr          map[string]error
	initErr            error

	searchCalls []client.SceneQuery
	renderCalls int
	fetchCalls  int
	png         []byte
}

func (f *fakeCatalog) EnsureInitialized(ctx context.Context) error { return f.initErr }

func (f *fakeCatalog) Initialized() bool { return f.initErr == nil }

func (f *fakeCatalog) SearchScenes(ctx context.Context, q client.SceneQuery) ([]models.Scene, error) {
	f.searchCalls = append(f.searchCalls, q)
	if err := f.searchErr[q.Collection]; err != nil {
		return nil, err
	}
	return f.scenesByCollection[q.Collection], nil
}

func (f *fakeCatalog) RenderThumbnail(ctx context.Context, scene models.Scene, vis models.VisualizationSpec, region []byte) (string, error) {
	f.renderCalls++
	return "https://example.test/thumb:getPixels", nil
}

func (f *fakeCatalog) FetchPNG(ctx context.Context, url string) ([]byte, error) {
	f.fetchCalls++
	if f.png == nil {
		return []byte("\x89PNGfake"), nil
	}
	return f.png, nil
}

func threshold(v float64) *float64 { return &v }

func testSources() []models.SourceSpec {
	return []models.SourceSpec{
		{
			Name:           "sentinel-2",
			Collection:     "COPERNICUS/S2_SR_HARMONIZED",
			CloudProperty:  "CLOUDY_PIXEL_PERCENTAGE",
			CloudThreshold: threshold(20),
			Bands:          []string{"B4", "B3", "B2"},
		},
		{
			Name:          "landsat-8",
			Collection:    "LANDSAT/LC08/C02/T1_L2",
			CloudProperty: "CLOUD_COVER",
			Bands:         []string{"SR_B4", "SR_B3", "SR_B2"},
		},
	}
}

func testService(catalog *fakeCatalog, c cache.Cache) *ImageryService {
	return NewImageryService(catalog, c, 15*time.Minute, testSources(), 1.1, 0, 3000, 1.4, 1024)
}

func testRequest() models.ImageryRequest {
	return models.ImageryRequest{
		Latitude:  47.6,
		Longitude: -122.3,
		Hectares:  100,
		StartDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC),
	}
}

func TestGetSatelliteImage_SelectsLowestCloudCover(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC) }
	catalog := &fakeCatalog{
		scenesByCollection: map[string][]models.Scene{
			"COPERNICUS/S2_SR_HARMONIZED": {
				{ID: "a", CloudCover: 12.5, AcquiredAt: day(1)},
				{ID: "b", CloudCover: 3.2, AcquiredAt: day(2)},
				{ID: "c", CloudCover: 18.0, AcquiredAt: day(3)},
			},
		},
	}
	svc := testService(catalog, nil)

	png, err := svc.GetSatelliteImage(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GetSatelliteImage() error = %v", err)
	}
	if len(png) == 0 {
		t.Fatal("GetSatelliteImage() returned empty image")
	}
	if catalog.renderCalls != 1 {
		t.Errorf("renderCalls = %d, want 1", catalog.renderCalls)
	}
	// Only the first source should be consulted.
	if len(catalog.searchCalls) != 1 {
		t.Errorf("searchCalls = %d, want 1", len(catalog.searchCalls))
	}
}

func TestSelectBestImage_TieBreakMostRecent(t *testing.T) {
	older := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{
		scenesByCollection: map[string][]models.Scene{
			"COPERNICUS/S2_SR_HARMONIZED": {
				{ID: "old", CloudCover: 5, AcquiredAt: older},
				{ID: "new", CloudCover: 5, AcquiredAt: newer},
			},
		},
	}
	svc := testService(catalog, nil)

	scene, source, err := svc.selectBestImage(context.Background(), []byte("{}"), older, newer)
	if err != nil {
		t.Fatalf("selectBestImage() error = %v", err)
	}
	if scene.ID != "new" {
		t.Errorf("selected scene = %q, want most recent on tie", scene.ID)
	}
	if source.Name != "sentinel-2" {
		t.Errorf("source = %q, want sentinel-2", source.Name)
	}
}

func TestSelectBestImage_ThresholdExcludesCloudyScenes(t *testing.T) {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{
		scenesByCollection: map[string][]models.Scene{
			"COPERNICUS/S2_SR_HARMONIZED": {
				{ID: "cloudy", CloudCover: 55, AcquiredAt: day},
				{ID: "clear", CloudCover: 8, AcquiredAt: day},
			},
		},
	}
	svc := testService(catalog, nil)

	scene, _, err := svc.selectBestImage(context.Background(), []byte("{}"), day, day)
	if err != nil {
		t.Fatalf("selectBestImage() error = %v", err)
	}
	if scene.ID != "clear" {
		t.Errorf("selected scene = %q, want threshold to exclude cloudy", scene.ID)
	}
}

func TestSelectBestImage_ThresholdExcludesUnknownCloudCover(t *testing.T) {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{
		scenesByCollection: map[string][]models.Scene{
			"COPERNICUS/S2_SR_HARMONIZED": {
				{ID: "unknown", CloudCover: models.CloudCoverUnknown, AcquiredAt: day},
			},
			"LANDSAT/LC08/C02/T1_L2": {
				{ID: "landsat", CloudCover: 30, AcquiredAt: day},
			},
		},
	}
	svc := testService(catalog, nil)

	scene, source, err := svc.selectBestImage(context.Background(), []byte("{}"), day, day)
	if err != nil {
		t.Fatalf("selectBestImage() error = %v", err)
	}
	if source.Name != "landsat-8" || scene.ID != "landsat" {
		t.Errorf("got %s/%s, want fallback past unknown-cloud scene", source.Name, scene.ID)
	}
}

func TestSelectBestImage_UnknownRanksLastWithoutThreshold(t *testing.T) {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{
		scenesByCollection: map[string][]models.Scene{
			"LANDSAT/LC08/C02/T1_L2": {
				{ID: "unknown", CloudCover: models.CloudCoverUnknown, AcquiredAt: day.Add(time.Hour)},
				{ID: "known", CloudCover: 90, AcquiredAt: day},
			},
		},
	}
	svc := testService(catalog, nil)
	// No sentinel-2 scenes, so landsat (no threshold) is consulted.

	scene, _, err := svc.selectBestImage(context.Background(), []byte("{}"), day, day)
	if err != nil {
		t.Fatalf("selectBestImage() error = %v", err)
	}
	if scene.ID != "known" {
		t.Errorf("selected scene = %q, want known cloud cover preferred over unknown", scene.ID)
	}
}

func TestSelectBestImage_FallbackOnEmptyPrimary(t *testing.T) {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{
		scenesByCollection: map[string][]models.Scene{
			"LANDSAT/LC08/C02/T1_L2": {
				{ID: "landsat", CloudCover: 40, AcquiredAt: day},
			},
		},
	}
	svc := testService(catalog, nil)

	scene, source, err := svc.selectBestImage(context.Background(), []byte("{}"), day, day)
	if err != nil {
		t.Fatalf("selectBestImage() error = %v", err)
	}
	if source.Name != "landsat-8" {
		t.Errorf("source = %q, want landsat-8 fallback", source.Name)
	}
	if scene.ID != "landsat" {
		t.Errorf("scene = %q, want landsat", scene.ID)
	}
	if len(catalog.searchCalls) != 2 {
		t.Errorf("searchCalls = %d, want 2", len(catalog.searchCalls))
	}
}

func TestSelectBestImage_AllSourcesExhausted(t *testing.T) {
	catalog := &fakeCatalog{scenesByCollection: map[string][]models.Scene{}}
	svc := testService(catalog, nil)

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := svc.selectBestImage(context.Background(), []byte("{}"), day, day)
	if !errors.Is(err, ErrNoImageFound) {
		t.Fatalf("selectBestImage() error = %v, want ErrNoImageFound", err)
	}
}

func TestSelectBestImage_SearchErrorAbortsChain(t *testing.T) {
	catalog := &fakeCatalog{
		searchErr: map[string]error{
			"COPERNICUS/S2_SR_HARMONIZED": client.ErrUpstreamFailure,
		},
		scenesByCollection: map[string][]models.Scene{
			"LANDSAT/LC08/C02/T1_L2": {
				{ID: "landsat", CloudCover: 10, AcquiredAt: time.Now()},
			},
		},
	}
	svc := testService(catalog, nil)

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := svc.selectBestImage(context.Background(), []byte("{}"), day, day)
	if !errors.Is(err, client.ErrUpstreamFailure) {
		t.Fatalf("selectBestImage() error = %v, want upstream failure propagated", err)
	}
	if len(catalog.searchCalls) != 1 {
		t.Errorf("searchCalls = %d, want 1 (no fallback on search error)", len(catalog.searchCalls))
	}
}

func TestGetSatelliteImage_QueryCarriesSourceFilter(t *testing.T) {
	catalog := &fakeCatalog{
		scenesByCollection: map[string][]models.Scene{
			"COPERNICUS/S2_SR_HARMONIZED": {
				{ID: "a", CloudCover: 1, AcquiredAt: time.Now()},
			},
		},
	}
	svc := testService(catalog, nil)

	if _, err := svc.GetSatelliteImage(context.Background(), testRequest()); err != nil {
		t.Fatalf("GetSatelliteImage() error = %v", err)
	}
	q := catalog.searchCalls[0]
	if q.CloudProperty != "CLOUDY_PIXEL_PERCENTAGE" {
		t.Errorf("CloudProperty = %q", q.CloudProperty)
	}
	if q.MaxCloudCover == nil || *q.MaxCloudCover != 20 {
		t.Errorf("MaxCloudCover = %v, want 20", q.MaxCloudCover)
	}
	if len(q.Region) == 0 {
		t.Error("query region is empty")
	}
}

func TestGetSatelliteImage_CacheHitSkipsCatalog(t *testing.T) {
	catalog := &fakeCatalog{}
	c := cache.NewInMemoryCache()
	svc := testService(catalog, c)

	req := testRequest()
	if err := c.Set(context.Background(), req.CacheKey(), []byte("cached-png"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	png, err := svc.GetSatelliteImage(context.Background(), req)
	if err != nil {
		t.Fatalf("GetSatelliteImage() error = %v", err)
	}
	if string(png) != "cached-png" {
		t.Errorf("GetSatelliteImage() = %q, want cached bytes", png)
	}
	if len(catalog.searchCalls) != 0 || catalog.fetchCalls != 0 {
		t.Error("cache hit should not touch the catalog")
	}
}

func TestGetSatelliteImage_SuccessPopulatesCache(t *testing.T) {
	catalog := &fakeCatalog{
		scenesByCollection: map[string][]models.Scene{
			"COPERNICUS/S2_SR_HARMONIZED": {
				{ID: "a", CloudCover: 1, AcquiredAt: time.Now()},
			},
		},
		png: []byte("fresh-png"),
	}
	c := cache.NewInMemoryCache()
	svc := testService(catalog, c)

	req := testRequest()
	if _, err := svc.GetSatelliteImage(context.Background(), req); err != nil {
		t.Fatalf("GetSatelliteImage() error = %v", err)
	}

	got, ok, err := c.Get(context.Background(), req.CacheKey())
	if err != nil || !ok {
		t.Fatalf("cache Get() = %v, %v; want hit", ok, err)
	}
	if string(got) != "fresh-png" {
		t.Errorf("cached bytes = %q, want rendered image", got)
	}
}

func TestGetSatelliteImage_NoImageNotCached(t *testing.T) {
	catalog := &fakeCatalog{scenesByCollection: map[string][]models.Scene{}}
	c := cache.NewInMemoryCache()
	svc := testService(catalog, c)

	req := testRequest()
	_, err := svc.GetSatelliteImage(context.Background(), req)
	if !errors.Is(err, ErrNoImageFound) {
		t.Fatalf("GetSatelliteImage() error = %v, want ErrNoImageFound", err)
	}
	if _, ok, _ := c.Get(context.Background(), req.CacheKey()); ok {
		t.Error("no-image outcome must not be cached")
	}
}

func TestGetSatelliteImage_InitFailurePropagates(t *testing.T) {
	catalog := &fakeCatalog{initErr: client.ErrInvalidCredentials}
	svc := testService(catalog, nil)

	_, err := svc.GetSatelliteImage(context.Background(), testRequest())
	if !errors.Is(err, client.ErrInvalidCredentials) {
		t.Fatalf("GetSatelliteImage() error = %v, want credentials error", err)
	}
	if len(catalog.searchCalls) != 0 {
		t.Error("search must not run when initialization fails")
	}
}
