package router

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/muandane/special-stack/pagekit/internal/handlers"
	"github.com/muandane/special-stack/pagekit/internal/middleware"
)

// UploadPath is where the development upload endpoint listens.
const UploadPath = "/api/upload"

type Config struct {
	Categories map[string]string
	MaxBytes   int64
	// Limiter bounds upload throughput; nil disables rate limiting.
	Limiter *rate.Limiter
}

type Router struct {
	mux    *http.ServeMux
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

// Setup mounts the gin upload engine under /api/ next to the operational
// endpoints and wraps everything in the middleware chain.
func (r *Router) Setup(cfg Config, upload *handlers.UploadHandler, stats *handlers.StatsHandler) http.Handler {
	excluded := []string{
		"/health",
		"/metrics",
		"/stats",
	}
	validationConfig := middleware.ValidationConfig{
		ExcludedPaths: excluded,
		UploadPath:    UploadPath,
		Categories:    cfg.Categories,
		MaxBytes:      cfg.MaxBytes,
	}

	metricsMiddleware := middleware.NewMetricsMiddleware(UploadPath)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST(UploadPath, upload.Upload)
	engine.PUT(UploadPath, upload.Upload)
	engine.NoRoute(handlers.NoRoute(r.logger))

	r.mux.Handle("/health", handlers.NewHealthHandler(r.logger))
	r.mux.Handle("/metrics", metricsMiddleware)
	r.mux.Handle("/stats", stats)
	r.mux.Handle("/api/", engine)

	return layer(r.mux,
		middleware.WithLogging(r.logger),
		metricsMiddleware.WithMetrics,
		middleware.WithRateLimit(cfg.Limiter, r.logger, excluded...),
		middleware.WithValidation(validationConfig),
	)
}

// layer wraps h in the given middleware, outermost first: every request
// passes through outer[0] before it reaches outer[1].
func layer(h http.Handler, outer ...func(http.Handler) http.Handler) http.Handler {
	for i := len(outer) - 1; i >= 0; i-- {
		h = outer[i](h)
	}
	return h
}
