package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promProvider backs Provider with real Prometheus collectors, registered
// against a caller-supplied registry (so an embedder can expose them on its
// own /metrics handler alongside its other collectors).
type promProvider struct {
	reg *prometheus.Registry
}

// NewPrometheusProvider returns a Provider backed by reg. If reg is nil, a
// fresh registry is created and can be retrieved via Registry().
func NewPrometheusProvider(reg *prometheus.Registry) *PrometheusProvider {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &PrometheusProvider{promProvider{reg: reg}}
}

// PrometheusProvider is the concrete type returned by NewPrometheusProvider,
// exposing the underlying registry for embedders that want to serve it.
type PrometheusProvider struct{ promProvider }

func (p *PrometheusProvider) Registry() *prometheus.Registry { return p.reg }

func (p promProvider) NewCounter(opts CommonOpts) Counter {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: opts.Help,
	}, opts.Labels)
	p.reg.MustRegister(c)
	return promCounter{c}
}

func (p promProvider) NewGauge(opts CommonOpts) Gauge {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: opts.Help,
	}, opts.Labels)
	p.reg.MustRegister(g)
	return promGauge{g}
}

func (p promProvider) NewHistogram(opts HistogramOpts) Histogram {
	buckets := opts.Buckets
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: opts.Help, Buckets: buckets,
	}, opts.Labels)
	p.reg.MustRegister(h)
	return promHistogram{h}
}

type promCounter struct{ c *prometheus.CounterVec }

func (p promCounter) Inc(labels ...string) { p.c.WithLabelValues(labels...).Inc() }

type promGauge struct{ g *prometheus.GaugeVec }

func (p promGauge) Set(v float64, labels ...string) { p.g.WithLabelValues(labels...).Set(v) }
func (p promGauge) Add(delta float64, labels ...string) { p.g.WithLabelValues(labels...).Add(delta) }

type promHistogram struct{ h *prometheus.HistogramVec }

func (p promHistogram) Observe(v float64, labels ...string) { p.h.WithLabelValues(labels...).Observe(v) }
