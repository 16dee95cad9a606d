package observability

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-settlement-guard/core"
)

// Labels carried by every guard metric. Tags outside this set are dropped so a
// metric name always keeps one label schema.
var metricLabels = []string{"operation", "outcome", "source", "endpoint", "kind", "stage"}

// DurationBuckets are in milliseconds, matching the observer's histograms.
var DurationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000}

// PrometheusRecorder implements core.MetricsRecorder on a dedicated registry.
// Vectors are created on first use of a metric name.
type PrometheusRecorder struct {
	registry   *prometheus.Registry
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheusRecorder(registry *prometheus.Registry) *PrometheusRecorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &PrometheusRecorder{
		registry:   registry,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *PrometheusRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	vec := r.counter(metricName(name))
	if vec == nil {
		return
	}
	vec.WithLabelValues(labelValues(tags)...).Add(float64(value))
}

func (r *PrometheusRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	vec := r.histogram(metricName(name))
	if vec == nil {
		return
	}
	vec.WithLabelValues(labelValues(tags)...).Observe(value)
}

func (r *PrometheusRecorder) counter(name string) *prometheus.CounterVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: "Settlement guard counter " + name + ".",
	}, metricLabels)
	if err := r.registry.Register(vec); err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if registered, ok := existing.ExistingCollector.(*prometheus.CounterVec); ok {
				vec = registered
			}
		} else {
			return nil
		}
	}
	r.counters[name] = vec
	return vec
}

func (r *PrometheusRecorder) histogram(name string) *prometheus.HistogramVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    "Settlement guard histogram " + name + ".",
		Buckets: DurationBuckets,
	}, metricLabels)
	if err := r.registry.Register(vec); err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if registered, ok := existing.ExistingCollector.(*prometheus.HistogramVec); ok {
				vec = registered
			}
		} else {
			return nil
		}
	}
	r.histograms[name] = vec
	return vec
}

// metricName maps "guard.webhook_dispatch.total" to guard_webhook_dispatch_total.
func metricName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return ""
	}
	var b strings.Builder
	for i, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch == '_', ch == ':':
			b.WriteRune(ch)
		case ch >= '0' && ch <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func labelValues(tags map[string]string) []string {
	values := make([]string, len(metricLabels))
	for i, label := range metricLabels {
		values[i] = strings.TrimSpace(tags[label])
	}
	return values
}

var _ core.MetricsRecorder = (*PrometheusRecorder)(nil)
