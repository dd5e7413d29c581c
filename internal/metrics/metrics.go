// Package metrics provides Prometheus metrics for the docstore API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service exports. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ListModesTotal    *prometheus.CounterVec

	AttachmentUploadsTotal         *prometheus.CounterVec
	AttachmentDeletesTotal         *prometheus.CounterVec
	AttachmentCleanupFailuresTotal *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docstore_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_operations_total",
			Help: "Total number of data-provider operations",
		},
		[]string{"operation", "resource", "status"},
	)

	m.OperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docstore_operation_duration_seconds",
			Help:    "Duration of data-provider operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.ListModesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_list_queries_total",
			Help: "List queries by execution mode (native, scan, freetext)",
		},
		[]string{"resource", "mode"},
	)

	m.AttachmentUploadsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_attachment_uploads_total",
			Help: "Total number of attachment objects uploaded",
		},
		[]string{"resource"},
	)

	m.AttachmentDeletesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_attachment_deletes_total",
			Help: "Total number of orphaned attachment objects removed",
		},
		[]string{"resource"},
	)

	m.AttachmentCleanupFailuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_attachment_cleanup_failures_total",
			Help: "Attachment deletions that failed and left an orphaned object",
		},
		[]string{"resource"},
	)

	return m
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOperation records one data-provider call. err decides the status
// label.
func (m *Metrics) RecordOperation(operation, resource string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, resource, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordListMode(resource, mode string) {
	if m == nil {
		return
	}
	m.ListModesTotal.WithLabelValues(resource, mode).Inc()
}

func (m *Metrics) AttachmentUploaded(resource string) {
	if m == nil {
		return
	}
	m.AttachmentUploadsTotal.WithLabelValues(resource).Inc()
}

func (m *Metrics) AttachmentDeleted(resource string) {
	if m == nil {
		return
	}
	m.AttachmentDeletesTotal.WithLabelValues(resource).Inc()
}

func (m *Metrics) AttachmentCleanupFailed(resource string) {
	if m == nil {
		return
	}
	m.AttachmentCleanupFailuresTotal.WithLabelValues(resource).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
