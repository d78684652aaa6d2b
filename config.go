package main

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable keys.
var (
	backendURLEnv      = "POIMAP_API_URL"
	nominatimServerEnv = "POIMAP_NOMINATIM_SERVER"
	httpTimeoutEnv     = "POIMAP_HTTP_TIMEOUT"
	mapCenterLngEnv    = "POIMAP_MAP_CENTER_LNG"
	mapCenterLatEnv    = "POIMAP_MAP_CENTER_LAT"
	mapZoomEnv         = "POIMAP_MAP_ZOOM"
)

// Defaults.
const (
	defaultBackendURL      = "http://localhost:8000/api"
	defaultNominatimServer = "https://nominatim.openstreetmap.org"
	defaultHTTPTimeout     = 15 * time.Second
	defaultMapZoom         = 9.0
)

// defaultMapCenter is the initial viewport before any city is selected.
var defaultMapCenter = LngLat{Lng: -74.5, Lat: 40}

// Config carries everything resolved at startup. Values come from an
// optional .env file, the process environment, and built-in defaults, in
// that order of discovery (environment wins over .env contents only when
// godotenv leaves already-set variables alone, which it does).
type Config struct {
	BackendURL      string
	NominatimServer string
	HTTPTimeout     time.Duration
	MapCenter       LngLat
	MapZoom         float64

	DataDir   string
	ConfigDir string
	CacheDir  string
}

// LoadConfig reads the optional .env file and resolves all settings.
// A missing .env is not an error.
func LoadConfig() Config {
	_ = godotenv.Load()

	cfg := Config{
		BackendURL:      defaultBackendURL,
		NominatimServer: defaultNominatimServer,
		HTTPTimeout:     defaultHTTPTimeout,
		MapCenter:       defaultMapCenter,
		MapZoom:         defaultMapZoom,
		DataDir:         defaultDataDir(),
		ConfigDir:       defaultConfigDir(),
		CacheDir:        defaultCacheDir(),
	}

	if v := os.Getenv(backendURLEnv); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv(nominatimServerEnv); v != "" {
		cfg.NominatimServer = v
	}
	if v := os.Getenv(httpTimeoutEnv); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.HTTPTimeout = d
		}
	}
	if v := os.Getenv(mapCenterLngEnv); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MapCenter.Lng = f
		}
	}
	if v := os.Getenv(mapCenterLatEnv); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MapCenter.Lat = f
		}
	}
	if v := os.Getenv(mapZoomEnv); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.MapZoom = f
		}
	}
	return cfg
}
