package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brycelelbach/nsightful/internal/nsys"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	ReportsDir       string
	ScanInterval     time.Duration
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	CacheSize        int
	Trace            TraceConfig
	WS               WebsocketConfig
}

// TraceConfig holds the default trace conversion options. Requests may
// override each field.
type TraceConfig struct {
	Activities []nsys.ActivityType
	Prefixes   []string
	Colors     nsys.ColorScheme
}

// Options converts the defaults into conversion options.
func (t TraceConfig) Options() nsys.Options {
	return nsys.Options{
		Activities: t.Activities,
		Prefixes:   t.Prefixes,
		Colors:     t.Colors,
	}
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// ChunkSize bounds the payload of a single trace_chunk message.
	ChunkSize int
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		ReportsDir:       "reports",
		ScanInterval:     5 * time.Second,
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		CacheSize:        32,
		WS: WebsocketConfig{
			MaxClients:   256,
			WriteTimeout: 10 * time.Second,
			ReadTimeout:  60 * time.Second,
			ChunkSize:    256 << 10,
		},
	}

	if value := env("APP_LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}

	if value := env("APP_REPORTS_DIR"); value != "" {
		cfg.ReportsDir = value
	}

	if err := positiveDuration("APP_SCAN_INTERVAL", &cfg.ScanInterval); err != nil {
		return Config{}, err
	}

	if value := env("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if err := boolean("APP_ENABLE_PROMETHEUS", &cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if err := boolean("APP_ENABLE_PPROF", &cfg.EnablePprof); err != nil {
		return Config{}, err
	}

	if value := env("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := env("APP_SYSFS_ROOT"); value != "" {
		cfg.SysfsRoot = value
	}

	if err := positiveInt("APP_CACHE_SIZE", &cfg.CacheSize); err != nil {
		return Config{}, err
	}

	if value := env("APP_TRACE_ACTIVITIES"); value != "" {
		activities, err := nsys.ParseActivities(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_TRACE_ACTIVITIES: %w", err)
		}
		cfg.Trace.Activities = activities
	}

	if value := env("APP_NVTX_PREFIXES"); value != "" {
		cfg.Trace.Prefixes = splitAndTrim(value, ",")
	}

	if value := env("APP_NVTX_COLORS"); value != "" {
		colors, err := nsys.ParseColorScheme(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_NVTX_COLORS: %w", err)
		}
		cfg.Trace.Colors = colors
	}

	if err := positiveInt("APP_WS_MAX_CLIENTS", &cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}
	if err := positiveDuration("APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := positiveDuration("APP_WS_READ_TIMEOUT", &cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := positiveInt("APP_WS_CHUNK_SIZE", &cfg.WS.ChunkSize); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func positiveDuration(key string, dst *time.Duration) error {
	value := env(key)
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = duration
	return nil
}

func positiveInt(key string, dst *int) error {
	value := env(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = n
	return nil
}

func boolean(key string, dst *bool) error {
	value := env(key)
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = enabled
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
