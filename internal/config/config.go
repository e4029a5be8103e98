// Package config loads the frame configuration from a file, the environment and flags.
//
// The configuration is loaded once at process start. Components receive it
// through their constructors and never modify it; a change requires a restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transition effects.
const (
	TransitionFade = "fade"
	TransitionCut  = "cut"
)

// Credential schemes.
const (
	SchemeAPIKey      = "api_key"
	SchemeDeviceToken = "device_token"
)

// Config holds all device configuration.
type Config struct {
	// Remote service
	APIURL      string `yaml:"api_url"`
	APIKey      string `yaml:"api_key"`      // legacy per-stream key
	DeviceToken string `yaml:"device_token"` // per-frame token
	StreamID    string `yaml:"stream_id"`
	FrameID     string `yaml:"frame_id"`

	// Slideshow
	SlideshowInterval int      `yaml:"slideshow_interval"` // seconds
	TransitionEffect  string   `yaml:"transition_effect"`
	FadeDurationMS    int      `yaml:"fade_duration_ms"`
	Shuffle           bool     `yaml:"shuffle"`
	MoodFilter        []string `yaml:"mood_filter"`
	Framebuffer       string   `yaml:"framebuffer"`
	SplashPath        string   `yaml:"splash_path"`

	// Cache
	CacheDir       string `yaml:"cache_dir"`
	MaxCacheSizeMB int64  `yaml:"max_cache_size_mb"`

	// Realtime (optional)
	SupabaseURL     string `yaml:"supabase_url"`
	SupabaseAnonKey string `yaml:"supabase_anon_key"`

	// Sync tuning
	PollInterval       int     `yaml:"poll_interval"` // seconds
	DebounceMS         int     `yaml:"debounce_ms"`
	DownloadWorkers    int     `yaml:"download_workers"`
	DownloadsPerSecond float64 `yaml:"downloads_per_second"` // 0 = unlimited
	RequestTimeout     int     `yaml:"request_timeout"`      // seconds
	RequestAttempts    int     `yaml:"request_attempts"`

	// Observability
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Path the configuration was read from.
	Path string `yaml:"-"`
	// Warnings collected while loading, logged by the caller once logging is up.
	Warnings []string `yaml:"-"`
}

// Override mutates a configuration during Load, after file and environment
// values have been applied. The CLI builds one per flag that was set.
type Override func(*Config)

// DefaultPath returns ~/.froggie-frame/config.json.
func DefaultPath() string {
	return expandHome("~/.froggie-frame/config.json")
}

// Defaults returns a configuration with every default applied.
func Defaults() Config {
	return Config{
		SlideshowInterval: 30,
		TransitionEffect:  TransitionFade,
		FadeDurationMS:    1000,
		Shuffle:           true,
		Framebuffer:       "/dev/fb0",
		CacheDir:          "~/.froggie-frame/cache",
		MaxCacheSizeMB:    500,
		PollInterval:      60,
		DebounceMS:        2000,
		DownloadWorkers:   3,
		RequestTimeout:    30,
		RequestAttempts:   1,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load reads configuration from path (a missing file is not an error), then
// FROGGIE_* environment variables, then overrides.
func Load(path string, overrides ...Override) (*Config, error) {
	if path == "" {
		path = envOr("FROGGIE_CONFIG", DefaultPath())
	}

	cfg := Defaults()
	cfg.Path = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// yaml.v3 accepts JSON documents, so the legacy config.json loads unchanged.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.normalize()

	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.APIURL = envOr("FROGGIE_API_URL", c.APIURL)
	c.APIKey = envOr("FROGGIE_API_KEY", c.APIKey)
	c.DeviceToken = envOr("FROGGIE_DEVICE_TOKEN", c.DeviceToken)
	c.StreamID = envOr("FROGGIE_STREAM_ID", c.StreamID)
	c.FrameID = envOr("FROGGIE_FRAME_ID", c.FrameID)
	c.SlideshowInterval = envInt("FROGGIE_SLIDESHOW_INTERVAL", c.SlideshowInterval)
	c.TransitionEffect = envOr("FROGGIE_TRANSITION_EFFECT", c.TransitionEffect)
	c.Shuffle = envBool("FROGGIE_SHUFFLE", c.Shuffle)
	c.CacheDir = envOr("FROGGIE_CACHE_DIR", c.CacheDir)
	c.MaxCacheSizeMB = envInt64("FROGGIE_MAX_CACHE_SIZE_MB", c.MaxCacheSizeMB)
	c.SupabaseURL = envOr("FROGGIE_SUPABASE_URL", c.SupabaseURL)
	c.SupabaseAnonKey = envOr("FROGGIE_SUPABASE_ANON_KEY", c.SupabaseAnonKey)
	c.PollInterval = envInt("FROGGIE_POLL_INTERVAL", c.PollInterval)
	c.DownloadWorkers = envInt("FROGGIE_DOWNLOAD_WORKERS", c.DownloadWorkers)
	c.LogLevel = envOr("FROGGIE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("FROGGIE_LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = envOr("FROGGIE_METRICS_ADDR", c.MetricsAddr)
	c.Framebuffer = envOr("FROGGIE_FRAMEBUFFER", c.Framebuffer)
}

func (c *Config) normalize() {
	c.APIURL = strings.TrimSuffix(c.APIURL, "/")
	c.CacheDir = expandHome(c.CacheDir)
	c.SplashPath = expandHome(c.SplashPath)

	if c.TransitionEffect != TransitionFade && c.TransitionEffect != TransitionCut {
		c.Warnings = append(c.Warnings, fmt.Sprintf("unknown transition_effect %q, using %q", c.TransitionEffect, TransitionFade))
		c.TransitionEffect = TransitionFade
	}
	if c.SlideshowInterval <= 0 {
		c.SlideshowInterval = 30
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60
	}
	if c.DownloadWorkers < 1 {
		c.DownloadWorkers = 1
	}
	if c.DownloadWorkers > 8 {
		c.DownloadWorkers = 8
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30
	}
	if c.RequestAttempts < 1 {
		c.RequestAttempts = 1
	}
	if c.FadeDurationMS < 0 {
		c.FadeDurationMS = 0
	}
	if c.APIKey != "" && c.DeviceToken != "" {
		c.Warnings = append(c.Warnings, "both api_key and device_token are set; using device_token")
	}
}

// Validate checks the settings needed to talk to the remote service.
func (c *Config) Validate() error {
	var missing []string
	if c.APIURL == "" {
		missing = append(missing, "api_url")
	}
	if c.APIKey == "" && c.DeviceToken == "" {
		missing = append(missing, "api_key or device_token")
	}
	if c.StreamID == "" && c.FrameID == "" {
		missing = append(missing, "stream_id or frame_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.MaxCacheSizeMB <= 0 {
		return fmt.Errorf("max_cache_size_mb must be positive, got %d", c.MaxCacheSizeMB)
	}
	return nil
}

// Credential returns the active credential scheme and value.
// A device token takes precedence over a legacy API key.
func (c *Config) Credential() (scheme, value string) {
	if c.DeviceToken != "" {
		return SchemeDeviceToken, c.DeviceToken
	}
	return SchemeAPIKey, c.APIKey
}

// SourceID returns the content source the frame displays: its frame id when
// set, otherwise the legacy stream id.
func (c *Config) SourceID() string {
	if c.FrameID != "" {
		return c.FrameID
	}
	return c.StreamID
}

// RealtimeEnabled reports whether push-mode credentials are present.
func (c *Config) RealtimeEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseAnonKey != ""
}

// MaxCacheBytes returns the cache ceiling in bytes.
func (c *Config) MaxCacheBytes() int64 {
	return c.MaxCacheSizeMB * 1024 * 1024
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.SlideshowInterval) * time.Second
}

func (c *Config) FadeDuration() time.Duration {
	return time.Duration(c.FadeDurationMS) * time.Millisecond
}

func (c *Config) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
