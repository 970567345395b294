// Package app wires up and runs the report viewer services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/brycelelbach/nsightful/internal/catalog"
	"github.com/brycelelbach/nsightful/internal/config"
	"github.com/brycelelbach/nsightful/internal/gpu"
	"github.com/brycelelbach/nsightful/internal/httpserver"
	"github.com/brycelelbach/nsightful/internal/report"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	if info, err := os.Stat(cfg.ReportsDir); err != nil {
		appLogger.Warn("reports directory unavailable", "dir", cfg.ReportsDir, "err", err)
	} else if !info.IsDir() {
		return fmt.Errorf("reports dir %s is not a directory", cfg.ReportsDir)
	}

	resolver := gpu.NewResolver(cfg.SysfsRoot, gpu.LookupPCIName, baseLogger.With("component", "gpu_resolver"))

	store, err := report.NewStore(cfg.ReportsDir, uint32(cfg.CacheSize), cfg.Trace.Options(), resolver, baseLogger.With("component", "store"))
	if err != nil {
		return fmt.Errorf("init report store: %w", err)
	}

	catalogManager, err := catalog.NewManager(cfg.ScanInterval, store, baseLogger)
	if err != nil {
		return fmt.Errorf("init catalog: %w", err)
	}
	defer catalogManager.Close()

	catalogCtx, catalogCancel := context.WithCancel(ctx)
	defer catalogCancel()

	catalogErrCh := make(chan error, 1)
	go func() {
		catalogErrCh <- catalogManager.Run(catalogCtx)
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), store, catalogManager)

	appLogger.Info("starting HTTP server",
		"listen_addr", cfg.ListenAddr,
		"reports_dir", cfg.ReportsDir,
		"cache_size", cfg.CacheSize,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stopCatalog := func() error {
		catalogCancel()
		if catalogErrCh == nil {
			return nil
		}
		if err := <-catalogErrCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	for {
		select {
		case err := <-errCh:
			return errors.Join(err, stopCatalog())
		case err := <-catalogErrCh:
			catalogErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			if err := stopCatalog(); err != nil {
				return err
			}

			appLogger.Info("shutdown complete", "conversions", store.Stats().Conversions)
			return nil
		}
	}
}
