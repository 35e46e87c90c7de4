package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusSink implements Sink over a private registry, lazily
// creating a CounterVec/GaugeVec/HistogramVec the first time a metric
// name is used and reusing it afterward. Every call site for a given
// name is expected to always pass the same set of label keys.
type PrometheusSink struct {
	mu sync.Mutex

	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *PrometheusSink) counterVec(name string, labels map[string]string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cv, ok := p.counters[name]; ok {
		return cv
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dash_" + name, Help: name + " counter"}, labelKeys(labels))
	p.registry.MustRegister(cv)
	p.counters[name] = cv
	return cv
}

func (p *PrometheusSink) gaugeVec(name string, labels map[string]string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gv, ok := p.gauges[name]; ok {
		return gv
	}
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "dash_" + name, Help: name + " gauge"}, labelKeys(labels))
	p.registry.MustRegister(gv)
	p.gauges[name] = gv
	return gv
}

func (p *PrometheusSink) histogramVec(name string, labels map[string]string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hv, ok := p.histograms[name]; ok {
		return hv
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dash_" + name,
		Help:    name + " histogram",
		Buckets: prometheus.DefBuckets,
	}, labelKeys(labels))
	p.registry.MustRegister(hv)
	p.histograms[name] = hv
	return hv
}

func (p *PrometheusSink) IncCounter(name string, labels map[string]string) {
	p.counterVec(name, labels).With(labels).Inc()
}

func (p *PrometheusSink) AddCounter(name string, delta float64, labels map[string]string) {
	p.counterVec(name, labels).With(labels).Add(delta)
}

func (p *PrometheusSink) SetGauge(name string, value float64, labels map[string]string) {
	p.gaugeVec(name, labels).With(labels).Set(value)
}

func (p *PrometheusSink) ObserveHistogram(name string, value float64, labels map[string]string) {
	p.histogramVec(name, labels).With(labels).Observe(value)
}

// Handler serves the registry's metrics as Prometheus text, wired to
// GET /metrics on both the ingestion and retrieval HTTP surfaces.
func (p *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
