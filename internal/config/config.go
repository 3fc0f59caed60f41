package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/models"
)

// ServiceAccount holds Google service-account credentials assembled from EE_*
// environment variables. Field names follow the standard key-file layout so the
// struct marshals into a document the auth library accepts directly.
type ServiceAccount struct {
	Type                string `json:"type"`
	ProjectID           string `json:"project_id"`
	PrivateKeyID        string `json:"private_key_id"`
	PrivateKey          string `json:"private_key"`
	ClientEmail         string `json:"client_email"`
	ClientID            string `json:"client_id"`
	AuthURI             string `json:"auth_uri"`
	TokenURI            string `json:"token_uri"`
	AuthProviderCertURL string `json:"auth_provider_x509_cert_url"`
	ClientCertURL       string `json:"client_x509_cert_url"`
	UniverseDomain      string `json:"universe_domain"`
}

// Configured reports whether the minimum credential fields are present.
// The service starts without credentials; imagery requests fail until they are set.
func (s ServiceAccount) Configured() bool {
	return s.ClientEmail != "" && s.PrivateKey != ""
}

// JSON marshals the credentials into a service-account key document.
func (s ServiceAccount) JSON() ([]byte, error) {
	return json.Marshal(s)
}

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	EarthEngineBaseURL string
	EarthEngineTimeout time.Duration
	Credentials        ServiceAccount

	RequestTimeout time.Duration

	DefaultHectares  string
	DefaultStartDate string
	DefaultEndDate   string
	SafetyMargin     float64
	VisMin           float64
	VisMax           float64
	VisGamma         float64
	Dimensions       int

	Sources []models.SourceSpec

	CacheBackend          string // "in_memory" or "memcached"
	CacheTTL              time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	EarthEngine struct {
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"earth_engine"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Imagery struct {
		DefaultHectares  string  `yaml:"default_hectares"`
		DefaultStartDate string  `yaml:"default_start_date"`
		DefaultEndDate   string  `yaml:"default_end_date"`
		SafetyMargin     float64 `yaml:"safety_margin"`
		Dimensions       int     `yaml:"dimensions"`
		Visualization    struct {
			Min   float64 `yaml:"min"`
			Max   float64 `yaml:"max"`
			Gamma float64 `yaml:"gamma"`
		} `yaml:"visualization"`
	} `yaml:"imagery"`

	Sources []fileSource `yaml:"sources"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout              string `yaml:"timeout"`
		InFlightTimeout      string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`
}

type fileSource struct {
	Name           string   `yaml:"name"`
	Collection     string   `yaml:"collection"`
	CloudProperty  string   `yaml:"cloud_property"`
	CloudThreshold *float64 `yaml:"cloud_threshold"`
	Bands          []string `yaml:"bands"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and env.
// Earth Engine credentials come from EE_* environment variables, with a .env
// file honored when present. Call from project root.
func Load() (*Config, error) {
	// Missing .env is fine; credentials may come from the real environment.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "5032"
	}

	cfg.EarthEngineBaseURL = fc.EarthEngine.BaseURL
	if cfg.EarthEngineBaseURL == "" {
		cfg.EarthEngineBaseURL = "https://earthengine.googleapis.com/v1"
	}
	cfg.EarthEngineTimeout = parseDuration(fc.EarthEngine.Timeout, 30*time.Second)
	cfg.Credentials = credentialsFromEnv()

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 60*time.Second)

	cfg.DefaultHectares = fc.Imagery.DefaultHectares
	if cfg.DefaultHectares == "" {
		cfg.DefaultHectares = "100"
	}
	cfg.DefaultStartDate = fc.Imagery.DefaultStartDate
	if cfg.DefaultStartDate == "" {
		cfg.DefaultStartDate = "2023-01-01"
	}
	cfg.DefaultEndDate = fc.Imagery.DefaultEndDate
	if cfg.DefaultEndDate == "" {
		cfg.DefaultEndDate = "2025-03-20"
	}
	cfg.SafetyMargin = fc.Imagery.SafetyMargin
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 1.1
	}
	cfg.Dimensions = fc.Imagery.Dimensions
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1024
	}
	cfg.VisMin = fc.Imagery.Visualization.Min
	cfg.VisMax = fc.Imagery.Visualization.Max
	if cfg.VisMax <= cfg.VisMin {
		cfg.VisMin = 0
		cfg.VisMax = 3000
	}
	cfg.VisGamma = fc.Imagery.Visualization.Gamma
	if cfg.VisGamma <= 0 {
		cfg.VisGamma = 1.4
	}

	cfg.Sources = sourcesFromFile(fc.Sources)
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources()
	}

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 15*time.Minute)
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 3*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}

	cfg.CircuitBreakerEnabled = fc.Reliability.CircuitBreaker.Enabled
	cfg.CircuitBreakerFailureThreshold = fc.Reliability.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = fc.Reliability.CircuitBreaker.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.Reliability.CircuitBreaker.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 30*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultSources returns the built-in imagery source chain: Sentinel-2 surface
// reflectance filtered to under 20% cloudy pixels, then Landsat 8 unfiltered.
func DefaultSources() []models.SourceSpec {
	sentinelThreshold := 20.0
	return []models.SourceSpec{
		{
			Name:           "sentinel-2",
			Collection:     "COPERNICUS/S2_SR_HARMONIZED",
			CloudProperty:  "CLOUDY_PIXEL_PERCENTAGE",
			CloudThreshold: &sentinelThreshold,
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

// credentialsFromEnv assembles service-account credentials from EE_* variables.
// The field set matches the deployment's key file split across env vars.
func credentialsFromEnv() ServiceAccount {
	return ServiceAccount{
		Type:                os.Getenv("EE_TYPE"),
		ProjectID:           os.Getenv("EE_PROJECT_ID"),
		PrivateKeyID:        os.Getenv("EE_PRIVATE_KEY_ID"),
		PrivateKey:          strings.ReplaceAll(os.Getenv("EE_PRIVATE_KEY"), `\n`, "\n"),
		ClientEmail:         os.Getenv("EE_CLIENT_EMAIL"),
		ClientID:            os.Getenv("EE_CLIENT_ID"),
		AuthURI:             os.Getenv("EE_AUTH_URI"),
		TokenURI:            os.Getenv("EE_TOKEN_URI"),
		AuthProviderCertURL: os.Getenv("EE_AUTH_PROVIDER_X509_CERT_URL"),
		ClientCertURL:       os.Getenv("EE_CLIENT_X509_CERT_URL"),
		UniverseDomain:      os.Getenv("EE_UNIVERSE_DOMAIN"),
	}
}

// sourcesFromFile converts YAML source descriptors, skipping entries without a
// collection. Cloud property defaults are not guessed; a source without one is
// sorted by catalog order only.
func sourcesFromFile(in []fileSource) []models.SourceSpec {
	var out []models.SourceSpec
	for _, fs := range in {
		if fs.Collection == "" {
			continue
		}
		name := fs.Name
		if name == "" {
			name = fs.Collection
		}
		out = append(out, models.SourceSpec{
			Name:           name,
			Collection:     fs.Collection,
			CloudProperty:  fs.CloudProperty,
			CloudThreshold: fs.CloudThreshold,
			Bands:          fs.Bands,
		})
	}
	return out
}

// parseDuration parses a duration string and returns defaultVal if parsing
// fails or the result is not positive.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// RequestTimeout must exceed the upstream timeout so the handler deadline does
// not fire before the catalog call can finish.
func validate(cfg *Config) error {
	if cfg.RequestTimeout <= cfg.EarthEngineTimeout {
		cfg.RequestTimeout = cfg.EarthEngineTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	for _, src := range cfg.Sources {
		if src.CloudThreshold != nil && src.CloudProperty == "" {
			return fmt.Errorf("source %s: cloud_threshold requires cloud_property", src.Name)
		}
	}
	return nil
}
