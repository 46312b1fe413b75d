package handlers

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/muandane/special-stack/pagekit/internal/storage"
)

var allowedImageTypes = []string{"image/jpeg", "image/png"}

// UploadResult is the data payload of a successful upload.
type UploadResult struct {
	URL string `json:"url"`
}

// UploadOptions configures an UploadHandler.
type UploadOptions struct {
	// Categories maps the "path" query value to a bucket.
	Categories    map[string]string
	PublicBaseURL string
	MaxBytes      int64
}

// UploadHandler stores raw image bodies in the object store.
type UploadHandler struct {
	store  storage.ObjectStore
	opts   UploadOptions
	stats  *StatsHandler
	logger *slog.Logger
}

func NewUploadHandler(store storage.ObjectStore, opts UploadOptions, stats *StatsHandler, logger *slog.Logger) (*UploadHandler, error) {
	if store == nil {
		return nil, fmt.Errorf("object store cannot be nil")
	}
	if len(opts.Categories) == 0 {
		return nil, fmt.Errorf("at least one upload category is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStatsHandler()
	}
	return &UploadHandler{
		store:  store,
		opts:   opts,
		stats:  stats,
		logger: logger,
	}, nil
}

// Upload handles POST|PUT /api/upload?path=<category>.
func (h *UploadHandler) Upload(c *gin.Context) {
	start := time.Now()
	category := c.Query("path")
	logger := h.logger.With(
		"category", category,
		"remote_addr", c.ClientIP(),
		"user_agent", c.Request.UserAgent(),
	)

	bucket, ok := h.opts.Categories[category]
	if !ok {
		h.stats.RecordRejected()
		fail(c, logger, &ValidationError{Field: "path", Message: fmt.Sprintf("unknown upload category %q", category)})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.opts.MaxBytes+1))
	if err != nil {
		h.stats.RecordFailure()
		fail(c, logger, fmt.Errorf("read upload body: %w", err))
		return
	}
	if len(body) == 0 {
		h.stats.RecordRejected()
		fail(c, logger, &ValidationError{Field: "body", Message: "empty upload body"})
		return
	}
	if int64(len(body)) > h.opts.MaxBytes {
		h.stats.RecordRejected()
		fail(c, logger, &ValidationError{Field: "body", Message: fmt.Sprintf("upload exceeds %d bytes", h.opts.MaxBytes)})
		return
	}

	mime := mimetype.Detect(body)
	if !mimetype.EqualsAny(mime.String(), allowedImageTypes...) {
		h.stats.RecordRejected()
		fail(c, logger, &ValidationError{Field: "body", Message: fmt.Sprintf("unsupported content type %s", mime.String())})
		return
	}

	key := category + "/" + uuid.NewString() + mime.Extension()
	if err := h.store.PutObject(c.Request.Context(), bucket, key, bytes.NewReader(body), int64(len(body)), mime.String()); err != nil {
		h.stats.RecordFailure()
		fail(c, logger, err)
		return
	}
	h.stats.RecordUpload(category, len(body))

	url := strings.TrimRight(h.opts.PublicBaseURL, "/") + "/" + bucket + "/" + key
	logger.Info("image stored",
		"bucket", bucket,
		"key", key,
		"content_type", mime.String(),
		"size", len(body),
		"duration", time.Since(start).String(),
	)
	respond(c, UploadResult{URL: url})
}
