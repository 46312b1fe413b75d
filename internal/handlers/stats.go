package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// UploadStats is the /stats document of the upload endpoint.
type UploadStats struct {
	Uploads      uint64            `json:"uploads"`
	Rejected     uint64            `json:"rejected"`
	Failures     uint64            `json:"failures"`
	BytesStored  int64             `json:"bytes_stored"`
	AvgSize      float64           `json:"avg_size_bytes"`
	LastUploadAt time.Time         `json:"last_upload_at"`
	PerCategory  map[string]uint64 `json:"per_category"`
}

type StatsHandler struct {
	uploads     atomic.Uint64
	rejected    atomic.Uint64
	failures    atomic.Uint64
	bytesStored atomic.Int64

	mu          sync.Mutex
	lastUpload  time.Time
	perCategory map[string]uint64
}

func NewStatsHandler() *StatsHandler {
	return &StatsHandler{perCategory: make(map[string]uint64)}
}

func (h *StatsHandler) RecordUpload(category string, size int) {
	h.uploads.Add(1)
	h.bytesStored.Add(int64(size))

	h.mu.Lock()
	h.lastUpload = time.Now()
	h.perCategory[category]++
	h.mu.Unlock()
}

func (h *StatsHandler) RecordRejected() { h.rejected.Add(1) }

func (h *StatsHandler) RecordFailure() { h.failures.Add(1) }

// Snapshot returns the current counters.
func (h *StatsHandler) Snapshot() UploadStats {
	s := UploadStats{
		Uploads:     h.uploads.Load(),
		Rejected:    h.rejected.Load(),
		Failures:    h.failures.Load(),
		BytesStored: h.bytesStored.Load(),
		PerCategory: make(map[string]uint64),
	}
	if s.Uploads > 0 {
		s.AvgSize = float64(s.BytesStored) / float64(s.Uploads)
	}

	h.mu.Lock()
	s.LastUploadAt = h.lastUpload
	for k, v := range h.perCategory {
		s.PerCategory[k] = v
	}
	h.mu.Unlock()
	return s
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.Snapshot())
}
