package core

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quka-ai/conhub/pkg/metrics"
)

type Metrics struct {
	apiResponseTime *prometheus.HistogramVec
	apiErrorCounter *prometheus.CounterVec
	syncItems       *prometheus.CounterVec
	syncJobs        *prometheus.CounterVec
	syncBatchTime   *prometheus.HistogramVec
	activeJobs      *prometheus.GaugeVec
}

func NewMetrics(ns, system string, registry *prometheus.Registry) *Metrics {
	metrics.SetupMetricsManager(ns, system, registry)

	return &Metrics{
		apiResponseTime: metrics.NewHistogramVec("api_response_time", []string{"api"}),
		apiErrorCounter: metrics.NewCounterVec("api_error", []string{"method", "api", "status"}),
		syncItems:       metrics.NewCounterVec("sync_items_total", []string{"kind", "result"}),
		syncJobs:        metrics.NewCounterVec("sync_jobs_total", []string{"status"}),
		syncBatchTime:   metrics.NewHistogramVec("sync_batch_seconds", []string{"kind"}),
		activeJobs:      metrics.NewGaugeVec("sync_active_jobs", []string{"connector"}),
	}
}

func (m *Metrics) ApiErrorInc(method, api string, status int) {
	m.apiErrorCounter.WithLabelValues(method, api, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ApiResponseTimer(api string) *prometheus.Timer {
	return prometheus.NewTimer(m.apiResponseTime.WithLabelValues(api))
}

func (m *Metrics) SyncItemInc(kind, result string) {
	m.syncItems.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SyncJobInc(status string) {
	m.syncJobs.WithLabelValues(status).Inc()
}

func (m *Metrics) SyncBatchTimer(kind string) *prometheus.Timer {
	return prometheus.NewTimer(m.syncBatchTime.WithLabelValues(kind))
}

func (m *Metrics) ActiveJobs(connector string) prometheus.Gauge {
	return m.activeJobs.WithLabelValues(connector)
}
