// Package metrics exposes the pipeline's Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tasknotify/internal/notify"
)

type Metrics struct {
	reg *prometheus.Registry

	DeliveryOutcomes   *prometheus.CounterVec
	PushPruned         prometheus.Counter
	DispatchDuration   prometheus.Histogram
	DispatchesInflight prometheus.Gauge
	Broadcasts         *prometheus.CounterVec
	Mutations          *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	Restarts           *prometheus.CounterVec
	RowsDeleted        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		DeliveryOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_delivery_outcomes_total",
				Help: "Delivery outcomes per channel, status and skip reason.",
			},
			[]string{"channel", "status", "reason"},
		),
		PushPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_push_pruned_total",
			Help: "Push subscriptions deleted after a permanent delivery failure.",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notify_dispatch_duration_seconds",
			Help:    "Wall time of one event's fan-out across all recipients and channels.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DispatchesInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notify_dispatches_inflight",
			Help: "Fan-out dispatches currently running.",
		}),
		Broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_broadcasts_total",
				Help: "Realtime envelopes published per room kind and event.",
			},
			[]string{"kind", "event"},
		),
		Mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_mutations_total",
				Help: "Mutation envelopes received per source and result.",
			},
			[]string{"source", "result"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"endpoint", "status", "method"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "method"},
		),
		Restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supervisor_restarts_total",
				Help: "Supervised goroutine restarts after an error or panic.",
			},
			[]string{"name"},
		),
		RowsDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maintenance_rows_pruned_total",
				Help: "Rows deleted by retention jobs.",
			},
			[]string{"job"},
		),
	}
	m.reg.MustRegister(
		m.DeliveryOutcomes,
		m.PushPruned,
		m.DispatchDuration,
		m.DispatchesInflight,
		m.Broadcasts,
		m.Mutations,
		m.HTTPRequests,
		m.HTTPDuration,
		m.Restarts,
		m.RowsDeleted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ---- fanout observer ----

func (m *Metrics) Outcome(o notify.Outcome) {
	m.DeliveryOutcomes.WithLabelValues(string(o.Channel), string(o.Status), string(o.Reason)).Inc()
}

func (m *Metrics) DispatchStarted() { m.DispatchesInflight.Inc() }

func (m *Metrics) DispatchFinished(d time.Duration) {
	m.DispatchesInflight.Dec()
	m.DispatchDuration.Observe(d.Seconds())
}

func (m *Metrics) Pruned(n int) {
	if n > 0 {
		m.PushPruned.Add(float64(n))
	}
}

// ---- realtime observer ----

func (m *Metrics) Broadcast(kind, event string) {
	m.Broadcasts.WithLabelValues(kind, event).Inc()
}

// ---- ingest ----

func (m *Metrics) Mutation(source, result string) {
	m.Mutations.WithLabelValues(source, result).Inc()
}

// ---- supervisor / maintenance ----

// Restart matches supervisor.WithOnRestart.
func (m *Metrics) Restart(name string, _ error) {
	m.Restarts.WithLabelValues(name).Inc()
}

func (m *Metrics) RowsPruned(job string, n int64) {
	if n > 0 {
		m.RowsDeleted.WithLabelValues(job).Add(float64(n))
	}
}

// GinMiddleware records request counts and latency per route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method
		m.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(c.Writer.Status()), method).Inc()
		m.HTTPDuration.WithLabelValues(endpoint, method).Observe(time.Since(start).Seconds())
	}
}
