package poll

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry             *prometheus.Registry
	ticksTotal           *prometheus.CounterVec
	tickDuration         prometheus.Histogram
	trackedBatches       prometheus.Gauge
	assetsCompletedTotal prometheus.Counter
	assetsFailedTotal    prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagflow_poll_ticks_total",
			Help: "Total poll ticks by result (idle, ok, error).",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagflow_poll_tick_duration_seconds",
			Help:    "Duration of non-idle poll ticks.",
			Buckets: prometheus.DefBuckets,
		}),
		trackedBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tagflow_poll_tracked_batches",
			Help: "Current number of tracked tagging batches.",
		}),
		assetsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagflow_poll_assets_completed_total",
			Help: "Total assets observed transitioning to completed.",
		}),
		assetsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagflow_poll_assets_failed_total",
			Help: "Total assets observed transitioning to failed.",
		}),
	}

	registry.MustRegister(
		m.ticksTotal,
		m.tickDuration,
		m.trackedBatches,
		m.assetsCompletedTotal,
		m.assetsFailedTotal,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
