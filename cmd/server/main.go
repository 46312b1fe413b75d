package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/muandane/special-stack/pagekit/internal/config"
	"github.com/muandane/special-stack/pagekit/internal/handlers"
	"github.com/muandane/special-stack/pagekit/internal/logging"
	"github.com/muandane/special-stack/pagekit/internal/router"
	"github.com/muandane/special-stack/pagekit/internal/storage"
	"github.com/muandane/special-stack/pagekit/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "pagekit-upload", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	store, err := storage.NewMinioStore(cfg.Storage)
	if err != nil {
		return err
	}

	categories, err := cfg.Server.UploadCategories()
	if err != nil {
		return fmt.Errorf("upload categories: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	stats := handlers.NewStatsHandler()
	upload, err := handlers.NewUploadHandler(store, handlers.UploadOptions{
		Categories:    categories,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		MaxBytes:      cfg.Server.MaxUploadBytes,
	}, stats, logger)
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if cfg.Server.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.RatePerSecond), cfg.Server.RateBurst)
	}

	handler := router.NewRouter(logger).Setup(router.Config{
		Categories: categories,
		MaxBytes:   cfg.Server.MaxUploadBytes,
		Limiter:    limiter,
	}, upload, stats)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("upload server listening",
			"addr", cfg.Server.Addr,
			"storage_endpoint", cfg.Storage.Endpoint,
			"categories", len(categories),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down upload server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
