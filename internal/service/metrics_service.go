package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

// Scan outcome labels.
const (
	ScanOutcomeAccepted = "accepted"
	ScanOutcomeRejected = "rejected"
	ScanOutcomeError    = "error"
)

// MetricsService encapsulates Prometheus instrumentation of the HTTP surface and the
// attendance protocol.
type MetricsService struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	scansTotal        *prometheus.CounterVec
	scanDuration      prometheus.Histogram
	scanFlags         *prometheus.CounterVec
	rotationsTotal    prometheus.Counter
	transitionsTotal  *prometheus.CounterVec
	fanoutEventsTotal *prometheus.CounterVec
	absenceRecords    prometheus.Counter
	scheduledSessions prometheus.Gauge
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	scansTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scans_total",
		Help: "Scans processed by the validation pipeline",
	}, []string{"outcome", "reason"})

	scanDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_scan_duration_seconds",
		Help:    "Time spent deciding a scan",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	scanFlags := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scan_flags_total",
		Help: "Fraud heuristics raised on accepted scans",
	}, []string{"flag"})

	rotationsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credential_rotations_total",
		Help: "Credentials issued",
	})

	transitionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_transitions_total",
		Help: "Session lifecycle transitions by target state",
	}, []string{"to"})

	fanoutEventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_events_total",
		Help: "Realtime events by kind and delivery result",
	}, []string{"kind", "result"})

	absenceRecords := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "absence_records_total",
		Help: "Absent records synthesized after session completion",
	})

	scheduledSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduled_session_tasks",
		Help: "Rotation and deadline tasks currently scheduled",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, scansTotal, scanDuration, scanFlags, rotationsTotal,
		transitionsTotal, fanoutEventsTotal, absenceRecords, scheduledSessions, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:          registry,
		handler:           handler,
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		scansTotal:        scansTotal,
		scanDuration:      scanDuration,
		scanFlags:         scanFlags,
		rotationsTotal:    rotationsTotal,
		transitionsTotal:  transitionsTotal,
		fanoutEventsTotal: fanoutEventsTotal,
		absenceRecords:    absenceRecords,
		scheduledSessions: scheduledSessions,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordScan counts one pipeline decision.
func (m *MetricsService) RecordScan(result *models.ScanResult, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(duration.Seconds())
	switch {
	case err != nil:
		m.scansTotal.WithLabelValues(ScanOutcomeError, "").Inc()
	case result == nil:
		return
	case result.Accepted:
		m.scansTotal.WithLabelValues(ScanOutcomeAccepted, string(result.Status)).Inc()
		for _, flag := range result.Flags {
			m.scanFlags.WithLabelValues(string(flag)).Inc()
		}
	default:
		m.scansTotal.WithLabelValues(ScanOutcomeRejected, string(result.Reason)).Inc()
	}
}

// RecordRotation counts an issued credential.
func (m *MetricsService) RecordRotation() {
	if m == nil {
		return
	}
	m.rotationsTotal.Inc()
}

// RecordTransition counts a lifecycle change.
func (m *MetricsService) RecordTransition(to models.SessionStatus) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(to)).Inc()
}

// RecordFanoutEvent counts a realtime delivery outcome.
func (m *MetricsService) RecordFanoutEvent(kind, result string) {
	if m == nil {
		return
	}
	m.fanoutEventsTotal.WithLabelValues(kind, result).Inc()
}

// RecordAbsences counts synthesized absent records.
func (m *MetricsService) RecordAbsences(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.absenceRecords.Add(float64(n))
}

// SetScheduledTasks reports the scheduler size.
func (m *MetricsService) SetScheduledTasks(n int) {
	if m == nil {
		return
	}
	m.scheduledSessions.Set(float64(n))
}
