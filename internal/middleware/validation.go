package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

type ValidationConfig struct {
	ExcludedPaths []string
	// UploadPath is the route the checks below apply to.
	UploadPath string
	// Categories maps accepted "path" query values to buckets.
	Categories map[string]string
	MaxBytes   int64
}

func WithValidation(config ValidationConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, path := range config.ExcludedPaths {
				if strings.HasPrefix(r.URL.Path, path) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Path != config.UploadPath {
				next.ServeHTTP(w, r)
				return
			}

			switch r.Method {
			case http.MethodPost, http.MethodPut:
			default:
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}

			category := r.URL.Query().Get("path")
			if category == "" {
				writeError(w, http.StatusBadRequest, "upload category required")
				return
			}
			if _, ok := config.Categories[category]; !ok {
				writeError(w, http.StatusBadRequest, "upload category not configured")
				return
			}

			if config.MaxBytes > 0 && r.ContentLength > config.MaxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds "+strconv.FormatInt(config.MaxBytes, 10)+" bytes")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeError answers with the same {code, msg} envelope the handlers use.
func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": nil})
}
