package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface
// and the approval workflow.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	submissions     prometheus.Counter
	approvalActions *prometheus.CounterVec
	levelsSkipped   prometheus.Counter
	syncOutcomes    *prometheus.CounterVec
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

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	submissions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registrations_submitted_total",
		Help: "Registrations submitted for approval",
	})

	approvalActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_actions_total",
		Help: "Approver decisions recorded",
	}, []string{"action"})

	levelsSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workflow_levels_skipped_total",
		Help: "Workflow levels skipped because no approvers resolved",
	})

	syncOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_sync_total",
		Help: "ERP synchronization attempts by result",
	}, []string{"result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheHits, cacheMisses,
		submissions, approvalActions, levelsSkipped, syncOutcomes, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		submissions:     submissions,
		approvalActions: approvalActions,
		levelsSkipped:   levelsSkipped,
		syncOutcomes:    syncOutcomes,
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

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// RecordSubmission counts a registration entering the workflow.
func (m *MetricsService) RecordSubmission() {
	if m == nil {
		return
	}
	m.submissions.Inc()
}

// RecordApprovalAction counts an approver decision.
func (m *MetricsService) RecordApprovalAction(action string) {
	if m == nil {
		return
	}
	m.approvalActions.WithLabelValues(action).Inc()
}

// RecordLevelSkipped counts a level bypassed for lack of approvers.
func (m *MetricsService) RecordLevelSkipped() {
	if m == nil {
		return
	}
	m.levelsSkipped.Inc()
}

// RecordSyncOutcome counts an ERP synchronization attempt.
func (m *MetricsService) RecordSyncOutcome(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.syncOutcomes.WithLabelValues(result).Inc()
}
