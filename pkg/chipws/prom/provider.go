// Package prom implements o11y.MetricsProvider with a Prometheus registry so
// the server's metrics can be scraped over HTTP.
package prom

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tsarna/chipws/pkg/chipws/o11y"
)

// Provider lazily creates metric vectors the first time an instrument is used.
// Label names are fixed by that first use; later samples with a different set
// of label keys are dropped and logged.
type Provider struct {
	registry  *prometheus.Registry
	namespace string
	logger    *zap.Logger

	mu         sync.Mutex
	counters   map[string]*vec[*prometheus.CounterVec]
	histograms map[string]*vec[*prometheus.HistogramVec]
	gauges     map[string]*vec[*prometheus.GaugeVec]
}

type vec[V any] struct {
	keys []string
	v    V
}

var _ o11y.MetricsProvider = (*Provider)(nil)

// NewProvider creates a provider with its own registry. namespace prefixes
// every metric name; it may be empty.
func NewProvider(namespace string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		registry:   prometheus.NewRegistry(),
		namespace:  namespace,
		logger:     logger,
		counters:   make(map[string]*vec[*prometheus.CounterVec]),
		histograms: make(map[string]*vec[*prometheus.HistogramVec]),
		gauges:     make(map[string]*vec[*prometheus.GaugeVec]),
	}
}

// Registry exposes the underlying registry, e.g. to add Go runtime collectors.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Provider) Counter(name string) o11y.Counter {
	return &counter{provider: p, name: name}
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	return &histogram{provider: p, name: name}
}

func (p *Provider) Gauge(name string) o11y.Gauge {
	return &gauge{provider: p, name: name}
}

func splitLabels(labels []o11y.Label) ([]string, prometheus.Labels) {
	keys := make([]string, 0, len(labels))
	values := make(prometheus.Labels, len(labels))
	for _, label := range labels {
		if _, dup := values[label.Key]; !dup {
			keys = append(keys, label.Key)
		}
		values[label.Key] = label.Value
	}
	sort.Strings(keys)
	return keys, values
}

func sameKeys(a, b []string) bool {
	return strings.Join(a, "\x00") == strings.Join(b, "\x00")
}

func (p *Provider) register(name string, c prometheus.Collector) bool {
	if err := p.registry.Register(c); err != nil {
		p.logger.Warn("Failed to register metric", zap.String("metric", name), zap.Error(err))
		return false
	}
	return true
}

func (p *Provider) counterVec(name string, keys []string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.counters[name]; ok {
		if !sameKeys(existing.keys, keys) {
			return nil
		}
		return existing.v
	}

	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      name,
	}, keys)
	if !p.register(name, v) {
		return nil
	}
	p.counters[name] = &vec[*prometheus.CounterVec]{keys: keys, v: v}
	return v
}

func (p *Provider) histogramVec(name string, keys []string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.histograms[name]; ok {
		if !sameKeys(existing.keys, keys) {
			return nil
		}
		return existing.v
	}

	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      name,
		Buckets:   prometheus.DefBuckets,
	}, keys)
	if !p.register(name, v) {
		return nil
	}
	p.histograms[name] = &vec[*prometheus.HistogramVec]{keys: keys, v: v}
	return v
}

func (p *Provider) gaugeVec(name string, keys []string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.gauges[name]; ok {
		if !sameKeys(existing.keys, keys) {
			return nil
		}
		return existing.v
	}

	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      name,
	}, keys)
	if !p.register(name, v) {
		return nil
	}
	p.gauges[name] = &vec[*prometheus.GaugeVec]{keys: keys, v: v}
	return v
}

func (p *Provider) dropped(name string, keys []string) {
	p.logger.Debug("Dropping metric sample with mismatched labels",
		zap.String("metric", name),
		zap.Strings("labels", keys),
	)
}

type counter struct {
	provider *Provider
	name     string
}

func (c *counter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	keys, values := splitLabels(labels)
	v := c.provider.counterVec(c.name, keys)
	if v == nil {
		c.provider.dropped(c.name, keys)
		return
	}
	v.With(values).Add(float64(value))
}

type histogram struct {
	provider *Provider
	name     string
}

func (h *histogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	keys, values := splitLabels(labels)
	v := h.provider.histogramVec(h.name, keys)
	if v == nil {
		h.provider.dropped(h.name, keys)
		return
	}
	v.With(values).Observe(value)
}

type gauge struct {
	provider *Provider
	name     string
}

func (g *gauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	keys, values := splitLabels(labels)
	v := g.provider.gaugeVec(g.name, keys)
	if v == nil {
		g.provider.dropped(g.name, keys)
		return
	}
	v.With(values).Set(value)
}
