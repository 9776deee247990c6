// Package metrics exposes Prometheus counters for the storage core. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

const namespace = "faceforge"

type Metrics struct {
	reg prometheus.Gatherer

	uploads         *prometheus.CounterVec
	dedupHits       prometheus.Counter
	fallbacks       *prometheus.CounterVec
	extractions     *prometheus.CounterVec
	extractionQueue prometheus.Gauge
	jobsFinished    *prometheus.CounterVec
	bytesServed     prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "uploads_total",
			Help:      "Ingested uploads by storage provider and outcome",
		}, []string{"provider", "outcome"}),
		dedupHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dedup_total",
			Help:      "Uploads whose content was already stored",
		}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "fallbacks_total",
			Help:      "Writes redirected to the filesystem provider",
		}, []string{"reason"}),
		extractions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "total",
			Help:      "Metadata extraction attempts by outcome",
		}, []string{"outcome"}),
		extractionQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "queue_depth",
			Help:      "Extraction tasks waiting for a worker",
		}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs that reached a terminal status",
		}, []string{"job_type", "status"}),
		bytesServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "bytes_total",
			Help:      "Asset bytes streamed to clients",
		}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 60},
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) Upload(provider, outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) DedupHit() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}

func (m *Metrics) StorageFallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) ExtractionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ExtractionQueueDepth(n int) {
	if m == nil {
		return
	}
	m.extractionQueue.Set(float64(n))
}

func (m *Metrics) JobFinished(jobType string, status model.JobStatus) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(jobType, string(status)).Inc()
}

func (m *Metrics) BytesServed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesServed.Add(float64(n))
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Middleware times requests by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
	})
}
