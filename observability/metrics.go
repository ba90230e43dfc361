package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ModuleMetrics records RPC module activity segmented by module, method and
// outcome.
type ModuleMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *ModuleMetrics
)

// Metrics returns the lazily-initialised module metrics registry.
func Metrics() *ModuleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &ModuleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dutchmarket",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dutchmarket",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module and method.",
			}, []string{"module", "method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dutchmarket",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "JSON-RPC handler latency segmented by module and method.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
		}
		prometheus.MustRegister(moduleRegistry.requests, moduleRegistry.errors, moduleRegistry.latency)
	})
	return moduleRegistry
}

// Observe records a completed handler invocation.
func (m *ModuleMetrics) Observe(module, method, outcome string, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	module = normaliseLabel(module)
	method = normaliseLabel(method)
	outcome = normaliseLabel(outcome)
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if outcome != "ok" {
		m.errors.WithLabelValues(module, method, code).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(elapsed.Seconds())
}

func normaliseLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}
