// Package metrics exposes Prometheus instrumentation for the mailbox
// service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric the service records. All metrics live in
// a private registry so tests can build isolated collectors.
type Collector struct {
	routedMessages  *prometheus.CounterVec
	routeDuration   *prometheus.HistogramVec
	retries         prometheus.Counter
	validationFails prometheus.Counter

	realtimeDelivered prometheus.Counter
	realtimeFailures  prometheus.Counter
	broadcastDuration prometheus.Histogram

	breakerState         prometheus.Gauge
	localQueueDepth      prometheus.Gauge
	pendingConfirmations prometheus.Gauge

	subscriptionsActive prometheus.Gauge
	mailboxesTotal      prometheus.Gauge
	topicsTotal         prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a collector with all metrics registered under namespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "mailbox"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.routedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_messages_total",
			Help:      "Total number of routed messages by addressing mode and result",
		},
		[]string{"mode", "result"},
	)

	c.routeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_duration_seconds",
			Help:      "Duration of the routing pipeline by addressing mode",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"mode"},
	)

	c.retries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Total number of delivery retry dispatches",
		},
	)

	c.validationFails = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Total number of messages rejected by validation",
		},
	)

	c.realtimeDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_delivered_total",
			Help:      "Total number of realtime handler deliveries",
		},
	)

	c.realtimeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_failures_total",
			Help:      "Total number of failed realtime fan-outs",
		},
	)

	c.broadcastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Duration of realtime broadcast fan-out",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=Closed, 1=HalfOpen, 2=Open)",
		},
	)

	c.localQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_queue_depth",
			Help:      "Messages queued locally while the backing store is unavailable",
		},
	)

	c.pendingConfirmations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_confirmations",
			Help:      "Delivery confirmations awaiting a terminal status",
		},
	)

	c.subscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Currently active subscriptions",
		},
	)

	c.mailboxesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mailboxes_total",
			Help:      "Total number of mailboxes",
		},
	)

	c.topicsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topics_total",
			Help:      "Total number of topics",
		},
	)

	c.registry.MustRegister(
		c.routedMessages,
		c.routeDuration,
		c.retries,
		c.validationFails,
		c.realtimeDelivered,
		c.realtimeFailures,
		c.broadcastDuration,
		c.breakerState,
		c.localQueueDepth,
		c.pendingConfirmations,
		c.subscriptionsActive,
		c.mailboxesTotal,
		c.topicsTotal,
	)

	return c
}

// RecordRoute records the outcome and duration of one routing pipeline
// run.
func (c *Collector) RecordRoute(mode, result string, duration time.Duration) {
	c.routedMessages.WithLabelValues(mode, result).Inc()
	c.routeDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// AddRetries counts retry dispatches gathered by the stats loop.
func (c *Collector) AddRetries(n int64) {
	c.retries.Add(float64(n))
}

// RecordValidationFailure counts a rejected message.
func (c *Collector) RecordValidationFailure() {
	c.validationFails.Inc()
}

// RecordBroadcast records one realtime fan-out.
func (c *Collector) RecordBroadcast(delivered, failures int, duration time.Duration) {
	c.realtimeDelivered.Add(float64(delivered))
	c.realtimeFailures.Add(float64(failures))
	c.broadcastDuration.Observe(duration.Seconds())
}

// SetBreakerState publishes the circuit breaker state.
func (c *Collector) SetBreakerState(state int) {
	c.breakerState.Set(float64(state))
}

// SetLocalQueueDepth publishes the fallback queue depth.
func (c *Collector) SetLocalQueueDepth(depth int) {
	c.localQueueDepth.Set(float64(depth))
}

// SetPendingConfirmations publishes the in-flight confirmation count.
func (c *Collector) SetPendingConfirmations(n int) {
	c.pendingConfirmations.Set(float64(n))
}

// SetResourceCounts publishes the mailbox, topic and subscription
// totals gathered by the stats loop.
func (c *Collector) SetResourceCounts(mailboxes, topics, subscriptions int) {
	c.mailboxesTotal.Set(float64(mailboxes))
	c.topicsTotal.Set(float64(topics))
	c.subscriptionsActive.Set(float64(subscriptions))
}

// Registry returns the underlying registry for HTTP handler setup.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
