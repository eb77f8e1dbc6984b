package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "energy_monitor",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "energy_monitor",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "energy_monitor",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	readingsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "energy_monitor",
			Subsystem: "energy",
			Name:      "readings_stored_total",
			Help:      "Energy readings persisted, by source.",
		},
		[]string{"source"},
	)

	alertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "energy_monitor",
			Subsystem: "alerts",
			Name:      "evaluations_total",
			Help:      "Threshold evaluations, by outcome.",
		},
		[]string{"outcome"},
	)

	predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "energy_monitor",
			Subsystem: "prediction",
			Name:      "requests_total",
			Help:      "Prediction requests, by outcome.",
		},
		[]string{"outcome"},
	)

	pushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "energy_monitor",
			Subsystem: "realtime",
			Name:      "pushes_total",
			Help:      "Realtime pushes to connections, by result.",
		},
		[]string{"result"},
	)

	trainingExports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "energy_monitor",
			Subsystem: "training",
			Name:      "exports_total",
			Help:      "Training dataset exports.",
		},
		[]string{"success"},
	)

	trainingExportRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "energy_monitor",
			Subsystem: "training",
			Name:      "export_rows",
			Help:      "Rows written per training dataset export.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		readingsStored,
		alertsSent,
		predictions,
		pushes,
		trainingExports,
		trainingExportRows,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordReadings counts n stored readings for source.
func RecordReadings(source string, n int) {
	if n <= 0 {
		return
	}
	if source == "" {
		source = "unknown"
	}
	readingsStored.WithLabelValues(source).Add(float64(n))
}

// RecordAlert records the outcome of one threshold evaluation.
func RecordAlert(outcome string) {
	alertsSent.WithLabelValues(outcome).Inc()
}

// RecordPrediction records the outcome of one prediction request.
func RecordPrediction(outcome string) {
	predictions.WithLabelValues(outcome).Inc()
}

// RecordPushes records a broadcast's per-connection results.
func RecordPushes(sent, stale, failed int) {
	pushes.WithLabelValues("sent").Add(float64(sent))
	pushes.WithLabelValues("stale").Add(float64(stale))
	pushes.WithLabelValues("failed").Add(float64(failed))
}

// RecordTrainingExport records one dataset export.
func RecordTrainingExport(rows int, success bool) {
	result := "false"
	if success {
		result = "true"
		trainingExportRows.Observe(float64(rows))
	}
	trainingExports.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if p == "uploads" {
			return "/" + strings.Join(parts[:i+1], "/") + "/:key"
		}
	}
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}
