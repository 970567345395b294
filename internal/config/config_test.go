package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/brycelelbach/nsightful/internal/nsys"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.ReportsDir != "reports" {
		t.Fatalf("unexpected ReportsDir %q", cfg.ReportsDir)
	}
	if cfg.ScanInterval != 5*time.Second {
		t.Fatalf("unexpected ScanInterval %s", cfg.ScanInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel %v", cfg.LogLevel)
	}
	if cfg.SysfsRoot != "/sys" {
		t.Fatalf("unexpected SysfsRoot %q", cfg.SysfsRoot)
	}
	if cfg.CacheSize != 32 {
		t.Fatalf("unexpected CacheSize %d", cfg.CacheSize)
	}
	if cfg.WS.ChunkSize != 256<<10 {
		t.Fatalf("unexpected WS.ChunkSize %d", cfg.WS.ChunkSize)
	}
	if len(cfg.Trace.Activities) != 0 || len(cfg.Trace.Prefixes) != 0 || len(cfg.Trace.Colors) != 0 {
		t.Fatalf("expected empty trace defaults, got %+v", cfg.Trace)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_REPORTS_DIR", "/data/reports")
	t.Setenv("APP_SCAN_INTERVAL", "500ms")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_SYSFS_ROOT", "/tmp/sys")
	t.Setenv("APP_CACHE_SIZE", "4")
	t.Setenv("APP_TRACE_ACTIVITIES", "kernel, nvtx")
	t.Setenv("APP_NVTX_PREFIXES", "train,eval")
	t.Setenv("APP_NVTX_COLORS", "forward=thread_state_running,backward=good")
	t.Setenv("APP_WS_MAX_CLIENTS", "2048")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")
	t.Setenv("APP_WS_READ_TIMEOUT", "45s")
	t.Setenv("APP_WS_CHUNK_SIZE", "1024")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr override failed, got %q", cfg.ListenAddr)
	}
	if cfg.ReportsDir != "/data/reports" {
		t.Fatalf("ReportsDir override failed, got %q", cfg.ReportsDir)
	}
	if cfg.ScanInterval != 500*time.Millisecond {
		t.Fatalf("ScanInterval override failed, got %s", cfg.ScanInterval)
	}
	wantOrigins := []string{"https://example.com", "https://other.test"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, wantOrigins) {
		t.Fatalf("AllowedOrigins mismatch: %+v", cfg.AllowedOrigins)
	}
	if !cfg.EnablePrometheus {
		t.Fatalf("EnablePrometheus override failed")
	}
	if !cfg.EnablePprof {
		t.Fatalf("EnablePprof override failed")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	if cfg.SysfsRoot != "/tmp/sys" {
		t.Fatalf("SysfsRoot override failed, got %q", cfg.SysfsRoot)
	}
	if cfg.CacheSize != 4 {
		t.Fatalf("CacheSize override failed, got %d", cfg.CacheSize)
	}
	wantActivities := []nsys.ActivityType{nsys.ActivityKernel, nsys.ActivityNVTX}
	if !reflect.DeepEqual(cfg.Trace.Activities, wantActivities) {
		t.Fatalf("Trace.Activities mismatch: %+v", cfg.Trace.Activities)
	}
	if !reflect.DeepEqual(cfg.Trace.Prefixes, []string{"train", "eval"}) {
		t.Fatalf("Trace.Prefixes mismatch: %+v", cfg.Trace.Prefixes)
	}
	wantColors := nsys.ColorScheme{
		{Match: "forward", Color: "thread_state_running"},
		{Match: "backward", Color: "good"},
	}
	if !reflect.DeepEqual(cfg.Trace.Colors, wantColors) {
		t.Fatalf("Trace.Colors mismatch: %+v", cfg.Trace.Colors)
	}
	if cfg.WS.MaxClients != 2048 {
		t.Fatalf("WS.MaxClients override failed, got %d", cfg.WS.MaxClients)
	}
	if cfg.WS.WriteTimeout != 10*time.Second {
		t.Fatalf("WS.WriteTimeout override failed, got %s", cfg.WS.WriteTimeout)
	}
	if cfg.WS.ReadTimeout != 45*time.Second {
		t.Fatalf("WS.ReadTimeout override failed, got %s", cfg.WS.ReadTimeout)
	}
	if cfg.WS.ChunkSize != 1024 {
		t.Fatalf("WS.ChunkSize override failed, got %d", cfg.WS.ChunkSize)
	}

	opts := cfg.Trace.Options()
	if !reflect.DeepEqual(opts.Prefixes, cfg.Trace.Prefixes) || len(opts.Colors) != 2 {
		t.Fatalf("Trace.Options mismatch: %+v", opts)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"NegativeScanInterval", "APP_SCAN_INTERVAL", "-1s"},
		{"InvalidScanInterval", "APP_SCAN_INTERVAL", "often"},
		{"InvalidOrigins", "APP_ALLOWED_ORIGINS", ","},
		{"InvalidPrometheusBool", "APP_ENABLE_PROMETHEUS", "maybe"},
		{"InvalidPprofBool", "APP_ENABLE_PPROF", "sure"},
		{"InvalidLogLevel", "APP_LOG_LEVEL", "loud"},
		{"InvalidCacheSize", "APP_CACHE_SIZE", "big"},
		{"NonPositiveCacheSize", "APP_CACHE_SIZE", "0"},
		{"UnknownActivity", "APP_TRACE_ACTIVITIES", "kernel,memcpy"},
		{"InvalidColorRule", "APP_NVTX_COLORS", "forward"},
		{"InvalidWSMaxClients", "APP_WS_MAX_CLIENTS", "zero"},
		{"NonPositiveWSMaxClients", "APP_WS_MAX_CLIENTS", "0"},
		{"InvalidWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "nope"},
		{"NegativeWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "-1s"},
		{"NonPositiveWSReadTimeout", "APP_WS_READ_TIMEOUT", "0s"},
		{"NonPositiveChunkSize", "APP_WS_CHUNK_SIZE", "-5"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
	}
	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
