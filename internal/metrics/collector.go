// Package metrics provides the agent's Prometheus instrumentation. It is
// internal: other agent packages record against it through the Collector
// methods below rather than touching prometheus directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric the agent exports.
type Collector struct {
	queueDepth     *prometheus.GaugeVec
	queuePushTotal *prometheus.CounterVec
	queueFullTotal *prometheus.CounterVec

	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	tokenRefreshTotal *prometheus.CounterVec
}

// NewCollector registers every metric under namespace and returns the
// collector. Pass a dedicated *prometheus.Registry in tests to avoid
// double-registration panics across test runs.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of messages currently stored per queue type.",
		}, []string{"type"}),
		queuePushTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_push_total",
			Help:      "Number of push attempts per queue type and outcome.",
		}, []string{"type", "outcome"}),
		queueFullTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_full_total",
			Help:      "Number of pushes rejected because the queue was full.",
		}, []string{"type"}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands processed, by terminal status.",
		}, []string{"command", "status"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Outbound requests to the manager, by endpoint and status class.",
		}, []string{"endpoint", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Outbound request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		tokenRefreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Authentication attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

// Every method is nil-receiver safe, so callers may hold a *Collector that
// is nil (instrumentation disabled, or a test that doesn't care) without
// guarding each call site.

func (c *Collector) SetQueueDepth(msgType string, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(msgType).Set(float64(n))
}

func (c *Collector) ObservePush(msgType, outcome string) {
	if c == nil {
		return
	}
	c.queuePushTotal.WithLabelValues(msgType, outcome).Inc()
}

func (c *Collector) ObserveQueueFull(msgType string) {
	if c == nil {
		return
	}
	c.queueFullTotal.WithLabelValues(msgType).Inc()
}

func (c *Collector) ObserveCommand(command, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.commandsTotal.WithLabelValues(command, status).Inc()
	c.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (c *Collector) ObserveHTTPRequest(endpoint, statusClass string, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(endpoint, statusClass).Inc()
	c.httpRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (c *Collector) ObserveTokenRefresh(outcome string) {
	if c == nil {
		return
	}
	c.tokenRefreshTotal.WithLabelValues(outcome).Inc()
}
