package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/aoi"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/cache"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/client"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/models"
	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/observability"
)

// ErrNoImageFound is returned when every imagery source is exhausted with zero
// candidates. Terminal for the request; never retried and never cached.
var ErrNoImageFound = errors.New("no suitable satellite images found for the specified criteria")

// ImageryService resolves a request to a rendered satellite image: compute the
// area of interest, walk the source priority chain for the least-cloudy scene,
// render it, and download the PNG. A cache-aside layer sits in front keyed by
// the canonical request parameters.
type ImageryService struct {
	catalog      client.CatalogClient
	cache        cache.Cache
	cacheTTL     time.Duration
	sources      []models.SourceSpec
	safetyMargin float64
	visMin       float64
	visMax       float64
	visGamma     float64
	dimensions   int
}

// NewImageryService creates an ImageryService. cache may be nil to disable caching.
func NewImageryService(
	catalog client.CatalogClient,
	imageCache cache.Cache,
	cacheTTL time.Duration,
	sources []models.SourceSpec,
	safetyMargin float64,
	visMin, visMax, visGamma float64,
	dimensions int,
) *ImageryService {
	return &ImageryService{
		catalog:      catalog,
		cache:        imageCache,
		cacheTTL:     cacheTTL,
		sources:      sources,
		safetyMargin: safetyMargin,
		visMin:       visMin,
		visMax:       visMax,
		visGamma:     visGamma,
		dimensions:   dimensions,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// GetSatelliteImage resolves the request to rendered PNG bytes.
func (s *ImageryService) GetSatelliteImage(ctx context.Context, req models.ImageryRequest) ([]byte, error) {
	logger := loggerFromContext(ctx)
	start := time.Now()
	key := req.CacheKey()

	if s.cache != nil {
		png, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			observability.CacheErrorsTotal.WithLabelValues("get", "backend").Inc()
		} else if ok {
			observability.CacheHitsTotal.WithLabelValues("imagery").Inc()
			if logger != nil {
				logger.Debug("cache hit", zap.String("key", key))
			}
			return png, nil
		}
	}

	if err := s.catalog.EnsureInitialized(ctx); err != nil {
		return nil, fmt.Errorf("initialize earth engine: %w", err)
	}

	area := aoi.New(req.Latitude, req.Longitude, req.Hectares, s.safetyMargin)
	region, err := area.RegionGeoJSON()
	if err != nil {
		return nil, fmt.Errorf("build query region: %w", err)
	}
	if logger != nil {
		logger.Info("resolving imagery",
			zap.Float64("latitude", req.Latitude),
			zap.Float64("longitude", req.Longitude),
			zap.Float64("hectares", req.Hectares),
			zap.Float64("buffer_km", area.RadiusKm))
	}

	scene, source, err := s.selectBestImage(ctx, region, req.StartDate, req.EndDate)
	if err != nil {
		if errors.Is(err, ErrNoImageFound) {
			observability.ImageryRequestsTotal.WithLabelValues("none", "no_image").Inc()
		} else {
			observability.ImageryRequestsTotal.WithLabelValues("none", "error").Inc()
		}
		return nil, err
	}
	if logger != nil {
		logger.Info("scene selected",
			zap.String("source", source.Name),
			zap.String("scene", scene.ID),
			zap.Float64("cloud_cover", scene.CloudCover))
	}

	vis := models.VisualizationSpec{
		Bands:      source.Bands,
		Min:        s.visMin,
		Max:        s.visMax,
		Gamma:      s.visGamma,
		Dimensions: s.dimensions,
	}
	fetchURL, err := s.catalog.RenderThumbnail(ctx, scene, vis, region)
	if err != nil {
		observability.ImageryRequestsTotal.WithLabelValues(source.Collection, "error").Inc()
		return nil, fmt.Errorf("render scene %s: %w", scene.ID, err)
	}
	png, err := s.catalog.FetchPNG(ctx, fetchURL)
	if err != nil {
		observability.ImageryRequestsTotal.WithLabelValues(source.Collection, "error").Inc()
		return nil, fmt.Errorf("download rendered image: %w", err)
	}

	observability.ImageryRequestsTotal.WithLabelValues(source.Collection, "success").Inc()
	observability.RenderedImageBytes.Observe(float64(len(png)))

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, png, s.cacheTTL); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("set", "backend").Inc()
			if logger != nil {
				logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	if logger != nil {
		logger.Info("imagery served",
			zap.Int("bytes", len(png)),
			zap.Duration("duration", time.Since(start)))
	}
	return png, nil
}

// selectBestImage walks the source chain in priority order and returns the
// least-cloudy candidate of the first source with any match. Sources after the
// first match are never consulted. A search failure aborts the chain; only an
// empty result falls through to the next source.
func (s *ImageryService) selectBestImage(ctx context.Context, region []byte, startDate, endDate time.Time) (models.Scene, models.SourceSpec, error) {
	logger := loggerFromContext(ctx)

	for _, source := range s.sources {
		scenes, err := s.catalog.SearchScenes(ctx, client.SceneQuery{
			Collection:    source.Collection,
			Region:        region,
			StartDate:     startDate,
			EndDate:       endDate,
			CloudProperty: source.CloudProperty,
			MaxCloudCover: source.CloudThreshold,
		})
		if err != nil {
			return models.Scene{}, models.SourceSpec{}, fmt.Errorf("search %s: %w", source.Name, err)
		}

		candidates := filterByThreshold(scenes, source.CloudThreshold)
		if len(candidates) == 0 {
			if logger != nil {
				logger.Info("no candidates, trying next source", zap.String("source", source.Name))
			}
			continue
		}

		// Ascending cloud cover; ties broken by most recent acquisition.
		sort.SliceStable(candidates, func(i, j int) bool {
			ci, cj := sortableCloudCover(candidates[i]), sortableCloudCover(candidates[j])
			if ci != cj {
				return ci < cj
			}
			return candidates[i].AcquiredAt.After(candidates[j].AcquiredAt)
		})
		return candidates[0], source, nil
	}

	return models.Scene{}, models.SourceSpec{}, ErrNoImageFound
}

// filterByThreshold re-applies the cloud ceiling locally. The catalog filters
// server-side too, but the selection contract must hold regardless of backend.
// Scenes without a known cloud value are excluded when a threshold is set.
func filterByThreshold(scenes []models.Scene, threshold *float64) []models.Scene {
	if threshold == nil {
		return scenes
	}
	var out []models.Scene
	for _, sc := range scenes {
		if sc.CloudCover != models.CloudCoverUnknown && sc.CloudCover <= *threshold {
			out = append(out, sc)
		}
	}
	return out
}

// sortableCloudCover maps the unknown sentinel to the end of the ordering.
func sortableCloudCover(sc models.Scene) float64 {
	if sc.CloudCover == models.CloudCoverUnknown {
		return 101 // cloud cover is a percentage; unknown sorts last
	}
	return sc.CloudCover
}
