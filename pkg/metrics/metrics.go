package metrics

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type manager struct {
	namespace string
	system    string
	registry  *prometheus.Registry
}

var (
	mu             sync.RWMutex
	defaultManager = &manager{
		namespace: "default",
		system:    "default",
		registry:  prometheus.NewRegistry(),
	}
)

// SetupMetricsManager sets namespace, subsystem and registry for every vector created afterwards.
func SetupMetricsManager(ns, system string, registry *prometheus.Registry) {
	mu.Lock()
	defer mu.Unlock()
	defaultManager = &manager{
		namespace: ns,
		system:    system,
		registry:  registry,
	}
	_ = registry.Register(collectors.NewGoCollector())
}

func current() *manager {
	mu.RLock()
	defer mu.RUnlock()
	return defaultManager
}

func NewCounterVec(name string, labels []string) *prometheus.CounterVec {
	m := current()
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: FmtFixer(m.namespace),
		Subsystem: FmtFixer(m.system),
		Name:      FmtFixer(name),
		Help:      fmt.Sprintf("%s count of /%s/%s", name, m.namespace, m.system),
	}, labels)
	return register(m, vec).(*prometheus.CounterVec)
}

func NewHistogramVec(name string, labels []string, buckets ...float64) *prometheus.HistogramVec {
	m := current()
	opts := prometheus.HistogramOpts{
		Namespace: FmtFixer(m.namespace),
		Subsystem: FmtFixer(m.system),
		Name:      FmtFixer(name),
		Help:      fmt.Sprintf("%s duration of /%s/%s", name, m.namespace, m.system),
	}
	if len(buckets) > 0 {
		opts.Buckets = buckets
	}
	return register(m, prometheus.NewHistogramVec(opts, labels)).(*prometheus.HistogramVec)
}

func NewGaugeVec(name string, labels []string) *prometheus.GaugeVec {
	m := current()
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: FmtFixer(m.namespace),
		Subsystem: FmtFixer(m.system),
		Name:      FmtFixer(name),
		Help:      fmt.Sprintf("%s gauge of /%s/%s", name, m.namespace, m.system),
	}, labels)
	return register(m, vec).(*prometheus.GaugeVec)
}

// register tolerates duplicate registration so tests can build several cores in one process.
func register(m *manager, c prometheus.Collector) prometheus.Collector {
	if err := m.registry.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

func DefaultExportHandler() gin.HandlerFunc {
	reg := current().registry
	h := promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func FmtFixer(in string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(in)
}
