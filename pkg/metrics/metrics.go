// Package metrics exports connection pool and transport counters to
// Prometheus. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keepalive"

// Connection states reported by the connections gauge.
const (
	StateFree  = "free"
	StateInUse = "in_use"
)

// Collector holds the pool and transport metrics.
type Collector struct {
	connections *prometheus.GaugeVec
	created     *prometheus.CounterVec
	reused      *prometheus.CounterVec
	replaced    *prometheus.CounterVec
	removed     *prometheus.CounterVec
	exhausted   *prometheus.CounterVec
	requests    *prometheus.CounterVec
	acquireWait prometheus.Histogram
	headerWait  prometheus.Histogram
}

// New creates a Collector and registers it with reg. A nil reg uses a
// private registry.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Pooled connections per host and state",
		}, []string{"host", "state"}),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_created_total",
			Help:      "Connections opened by the pool",
		}, []string{"host"}),
		reused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_reused_total",
			Help:      "Acquisitions served from the free list",
		}, []string{"host"}),
		replaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_replaced_total",
			Help:      "Stale connections swapped for a new one",
		}, []string{"host"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_removed_total",
			Help:      "Connections dropped from the pool",
		}, []string{"host", "reason"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted_total",
			Help:      "Acquisitions that gave up waiting for a slot",
		}, []string{"host"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Exchanges by host and outcome",
		}, []string{"host", "outcome"}),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a pool slot",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		headerWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_wait_seconds",
			Help:      "Time from request dispatch to response headers",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	for _, col := range []prometheus.Collector{
		c.connections, c.created, c.reused, c.replaced, c.removed,
		c.exhausted, c.requests, c.acquireWait, c.headerWait,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetConnections records the partition sizes of host.
func (c *Collector) SetConnections(host string, free, inUse int) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(host, StateFree).Set(float64(free))
	c.connections.WithLabelValues(host, StateInUse).Set(float64(inUse))
}

// DeleteHost drops the gauges of a host whose partition disappeared.
func (c *Collector) DeleteHost(host string) {
	if c == nil {
		return
	}
	c.connections.DeleteLabelValues(host, StateFree)
	c.connections.DeleteLabelValues(host, StateInUse)
}

func (c *Collector) ConnCreated(host string) {
	if c == nil {
		return
	}
	c.created.WithLabelValues(host).Inc()
}

func (c *Collector) ConnReused(host string) {
	if c == nil {
		return
	}
	c.reused.WithLabelValues(host).Inc()
}

func (c *Collector) ConnReplaced(host string) {
	if c == nil {
		return
	}
	c.replaced.WithLabelValues(host).Inc()
}

func (c *Collector) ConnRemoved(host, reason string) {
	if c == nil {
		return
	}
	c.removed.WithLabelValues(host, reason).Inc()
}

func (c *Collector) PoolExhausted(host string) {
	if c == nil {
		return
	}
	c.exhausted.WithLabelValues(host).Inc()
}

// RequestDone counts a finished exchange.
func (c *Collector) RequestDone(host, outcome string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(host, outcome).Inc()
}

func (c *Collector) ObserveAcquireWait(d time.Duration) {
	if c == nil {
		return
	}
	c.acquireWait.Observe(d.Seconds())
}

func (c *Collector) ObserveResponseWait(d time.Duration) {
	if c == nil {
		return
	}
	c.headerWait.Observe(d.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
