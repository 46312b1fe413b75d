package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

type MetricsMiddleware struct {
	requestCounter   *metrics.Counter
	uploadCounter    *metrics.Counter
	responseTimeHist *metrics.Histogram
	requestSizeHist  *metrics.Histogram
	responseSizeHist *metrics.Histogram
	uploadPath       string
}

// NewMetricsMiddleware registers the HTTP metrics. uploadPath requests are
// additionally counted per outcome.
func NewMetricsMiddleware(uploadPath string) *MetricsMiddleware {
	return &MetricsMiddleware{
		requestCounter:   metrics.GetOrCreateCounter("http_requests_total"),
		uploadCounter:    metrics.GetOrCreateCounter("upload_requests_total"),
		responseTimeHist: metrics.GetOrCreateHistogram("http_response_time_seconds"),
		requestSizeHist:  metrics.GetOrCreateHistogram("http_request_size_bytes"),
		responseSizeHist: metrics.GetOrCreateHistogram("http_response_size_bytes"),
		uploadPath:       uploadPath,
	}
}

func statusCounter(code int) *metrics.Counter {
	return metrics.GetOrCreateCounter(`http_response_status_total{code="` + strconv.Itoa(code) + `"}`)
}

func (m *MetricsMiddleware) WithMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if r.ContentLength > 0 {
			m.requestSizeHist.Update(float64(r.ContentLength))
		}

		lrw := newLoggingResponseWriter(w)

		m.requestCounter.Inc()
		next.ServeHTTP(lrw, r)

		m.responseTimeHist.Update(time.Since(start).Seconds())
		statusCounter(lrw.statusCode).Inc()
		m.responseSizeHist.Update(float64(lrw.length))

		if r.URL.Path == m.uploadPath {
			m.uploadCounter.Inc()
		}
	})
}

func (m *MetricsMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.WritePrometheus(w, true)
}
