// Package metrics exposes client-side Prometheus metrics for the pool
// and query path.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	zteradb "github.com/zteradb/zteradb-go"
)

// Collector holds all Prometheus metrics for a zteradb client.
type Collector struct {
	Registry *prometheus.Registry

	transportsIdle    prometheus.Gauge
	transportsInUse   prometheus.Gauge
	transportsTotal   prometheus.Gauge
	transportsWaiting prometheus.Gauge

	queriesTotal   *prometheus.CounterVec
	queryDuration  prometheus.Histogram
	rowsStreamed   prometheus.Counter
	poolExhausted  prometheus.Counter
	tokenRefreshes prometheus.Counter

	handshakeDuration prometheus.Histogram
	healthStatus      prometheus.Gauge
}

// New creates and registers all metrics on a private registry. Safe to
// call multiple times — each call gets an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		transportsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zteradb_transports_idle",
			Help: "Number of idle pooled transports",
		}),
		transportsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zteradb_transports_in_use",
			Help: "Number of transports loaned to running queries",
		}),
		transportsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zteradb_transports_total",
			Help: "Total pooled transports",
		}),
		transportsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zteradb_transports_waiting",
			Help: "Callers waiting for a transport",
		}),
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zteradb_queries_total",
			Help: "Completed queries by outcome",
		}, []string{"outcome"}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zteradb_query_duration_seconds",
			Help:    "Wall time from send to stream completion",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		rowsStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zteradb_rows_streamed_total",
			Help: "Data rows yielded to callers",
		}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zteradb_pool_exhausted_total",
			Help: "Times a caller had to wait because the pool was at its bound",
		}),
		tokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zteradb_token_refreshes_total",
			Help: "Transports recycled because their token neared expiry",
		}),
		handshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zteradb_handshake_duration_seconds",
			Help:    "Duration of connect + authenticate round trips",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zteradb_server_healthy",
			Help: "Whether the last health probe succeeded (1=healthy)",
		}),
	}

	reg.MustRegister(
		c.transportsIdle,
		c.transportsInUse,
		c.transportsTotal,
		c.transportsWaiting,
		c.queriesTotal,
		c.queryDuration,
		c.rowsStreamed,
		c.poolExhausted,
		c.tokenRefreshes,
		c.handshakeDuration,
		c.healthStatus,
	)

	return c
}

// UpdatePoolStats publishes a pool snapshot. Wire it to
// Pool.StartStatsLoop.
func (c *Collector) UpdatePoolStats(s zteradb.Stats) {
	c.transportsIdle.Set(float64(s.Idle))
	c.transportsInUse.Set(float64(s.InUse))
	c.transportsTotal.Set(float64(s.Total))
	c.transportsWaiting.Set(float64(s.Waiting))
}

// QueryCompleted records one finished query.
func (c *Collector) QueryCompleted(d time.Duration, rows int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.queriesTotal.WithLabelValues(outcome).Inc()
	c.queryDuration.Observe(d.Seconds())
	c.rowsStreamed.Add(float64(rows))
}

// HandshakeCompleted records one connect+authenticate round trip.
func (c *Collector) HandshakeCompleted(d time.Duration) {
	c.handshakeDuration.Observe(d.Seconds())
}

// PoolExhausted increments the exhaustion counter. Wire it to
// WithExhaustedHook.
func (c *Collector) PoolExhausted() {
	c.poolExhausted.Inc()
}

// TokenRefreshed increments the token refresh counter.
func (c *Collector) TokenRefreshed() {
	c.tokenRefreshes.Inc()
}

// SetHealthy publishes the latest health probe result.
func (c *Collector) SetHealthy(healthy bool) {
	if healthy {
		c.healthStatus.Set(1)
		return
	}
	c.healthStatus.Set(0)
}
