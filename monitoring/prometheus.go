package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics mirrors the core's running state into a Prometheus registry
// so an external scrape surface can expose it without reaching into the
// monitor's internals.
type PromMetrics struct {
	registry *prometheus.Registry

	queriesTotal *prometheus.CounterVec
	responseTime prometheus.Histogram
	errorRate    prometheus.Gauge

	cpuUsage    prometheus.Gauge
	memUsage    prometheus.Gauge
	diskUsage   prometheus.Gauge
	networkRate prometheus.Gauge
	requestRate prometheus.Gauge

	activeAlerts prometheus.Gauge
	alertsFired  *prometheus.CounterVec
}

// NewPromMetrics creates the registry and all mirrored metrics.
func NewPromMetrics() *PromMetrics {
	registry := prometheus.NewRegistry()
	pm := &PromMetrics{registry: registry}

	pm.queriesTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaywatch",
		Subsystem: "query",
		Name:      "events_total",
		Help:      "Total number of query events ingested",
	}, []string{"backend", "outcome"})

	pm.responseTime = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "relaywatch",
		Subsystem: "query",
		Name:      "response_time_seconds",
		Help:      "Query response time in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	pm.errorRate = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "relaywatch",
		Subsystem: "query",
		Name:      "error_rate",
		Help:      "Global error rate (0-1)",
	})

	pm.cpuUsage = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "relaywatch",
		Subsystem: "resource",
		Name:      "cpu_usage_percent",
		Help:      "CPU usage percentage (0-100)",
	})

	pm.memUsage = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "relaywatch",
		Subsystem: "resource",
		Name:      "memory_usage_percent",
		Help:      "Memory usage percentage (0-100)",
	})

	pm.diskUsage = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "relaywatch",
		Subsystem: "resource",
		Name:      "disk_usage_percent",
		Help:      "Disk usage percentage (0-100)",
	})

	pm.networkRate = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "relaywatch",
		Subsystem: "resource",
		Name:      "network_bytes_per_second",
		Help:      "Network throughput in bytes per second",
	})

	pm.requestRate = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "relaywatch",
		Subsystem: "resource",
		Name:      "requests_per_second",
		Help:      "Host-reported request rate",
	})

	pm.activeAlerts = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "relaywatch",
		Subsystem: "alert",
		Name:      "active_total",
		Help:      "Number of currently active alerts",
	})

	pm.alertsFired = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaywatch",
		Subsystem: "alert",
		Name:      "fired_total",
		Help:      "Total number of alerts fired",
	}, []string{"severity"})

	return pm
}

// Registry returns the registry for an external scrape handler.
func (pm *PromMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// ObserveQuery mirrors one ingested query event.
func (pm *PromMetrics) ObserveQuery(evt QueryEvent, globalErrorRate float64) {
	outcome := "success"
	if !evt.Success {
		outcome = "failure"
	}
	pm.queriesTotal.WithLabelValues(evt.Backend, outcome).Inc()
	if validResponseTime(evt.ResponseTimeMs) {
		pm.responseTime.Observe(evt.ResponseTimeMs / 1000)
	}
	pm.errorRate.Set(globalErrorRate)
}

// ObserveResources mirrors one resource snapshot.
func (pm *PromMetrics) ObserveResources(snap ResourceSnapshot) {
	pm.cpuUsage.Set(snap.CPUPct)
	pm.memUsage.Set(snap.MemPct)
	pm.diskUsage.Set(snap.DiskPct)
	pm.networkRate.Set(snap.NetworkBytesPerSec)
	pm.requestRate.Set(snap.RequestsPerSec)
}

// ObserveAlert mirrors one fired alert.
func (pm *PromMetrics) ObserveAlert(alert Alert) {
	pm.alertsFired.WithLabelValues(string(alert.Severity)).Inc()
}

// SetActiveAlerts mirrors the active alert count.
func (pm *PromMetrics) SetActiveAlerts(n int) {
	pm.activeAlerts.Set(float64(n))
}
