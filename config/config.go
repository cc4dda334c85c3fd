// Package config loads environment variables and provides a typed Config used across the bridge.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For the OBS connect path, use ValidateOBSReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/castbridge/overlay"
)

type Config struct {
	// OBS control endpoint
	OBSAddress  string
	OBSPassword string
	AutoConnect bool

	// Dashboard backend serving snapshot endpoints
	BackendBaseURL string

	// Overlay pollers
	PollInterval    time.Duration
	MetricsInterval time.Duration
	Overlay         overlay.Config

	// HTTP surface
	HTTPAddr string

	// Diagnostics
	EventLogCapacity int
}

// Load reads environment variables and applies defaults. Missing OBS
// credentials don't fail the load; the operator connects from the dashboard
// when ready. Use ValidateOBSReady() when auto-connect is requested.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.OBSAddress = os.Getenv("OBS_ADDRESS")
	if cfg.OBSAddress == "" {
		cfg.OBSAddress = "ws://localhost:4455"
	}
	cfg.OBSPassword = os.Getenv("OBS_PASSWORD")
	cfg.AutoConnect = os.Getenv("OBS_AUTO_CONNECT") == "1"

	cfg.BackendBaseURL = os.Getenv("BACKEND_BASE_URL")
	if cfg.BackendBaseURL == "" {
		cfg.BackendBaseURL = "http://localhost:3000"
	}

	var err error
	if cfg.PollInterval, err = envDuration("POLL_REFRESH_INTERVAL", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.MetricsInterval, err = envDuration("METRICS_REFRESH_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}

	cfg.Overlay = overlay.DefaultConfig()
	cfg.Overlay.RefreshIntervalMs = int(cfg.MetricsInterval / time.Millisecond)
	cfg.Overlay.CompactMode = os.Getenv("OVERLAY_COMPACT") == "1"
	if v := os.Getenv("OVERLAY_ANIMATE"); v != "" {
		cfg.Overlay.AnimateChanges = v == "1"
	}
	if v := os.Getenv("OVERLAY_FORMAT_NUMBERS"); v != "" {
		cfg.Overlay.FormatNumbers = v == "1"
	}
	if v := os.Getenv("OVERLAY_SHOW_YT_LIKES"); v != "" {
		cfg.Overlay.VisibilityFlags.YouTubeLikes = v == "1"
	}
	if v := os.Getenv("OVERLAY_SHOW_YT_VIEWERS"); v != "" {
		cfg.Overlay.VisibilityFlags.YouTubeViewers = v == "1"
	}
	if v := os.Getenv("OVERLAY_SHOW_KICK_VIEWERS"); v != "" {
		cfg.Overlay.VisibilityFlags.KickViewers = v == "1"
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	cfg.EventLogCapacity = 500
	if v := os.Getenv("EVENT_LOG_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid EVENT_LOG_CAPACITY: %q", v)
		}
		cfg.EventLogCapacity = n
	}

	return cfg, nil
}

// ValidateOBSReady checks required fields when auto-connect is enabled.
func (c *Config) ValidateOBSReady() error {
	if c.OBSAddress == "" {
		return fmt.Errorf("missing OBS env: require OBS_ADDRESS")
	}
	return nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s (duration): %q", key, v)
	}
	return d, nil
}
