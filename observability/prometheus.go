package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusFactory creates Prometheus metrics registered on one registerer.
// Dots in metric names become underscores. Asking twice for the same name
// returns the same metric.
type PrometheusFactory struct {
	factory   promauto.Factory
	namespace string

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

var _ MetricFactory = (*PrometheusFactory)(nil)

// NewPrometheusFactory creates a factory. A nil registerer uses the
// default registry.
func NewPrometheusFactory(reg prometheus.Registerer, namespace string) *PrometheusFactory {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusFactory{
		factory:    promauto.With(reg),
		namespace:  namespace,
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Counter implements MetricFactory.
func (f *PrometheusFactory) Counter(name string) Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := metricName(name) + "_total"
	if c, ok := f.counters[key]; ok {
		return c
	}
	c := f.factory.NewCounter(prometheus.CounterOpts{
		Namespace: f.namespace,
		Name:      key,
		Help:      "Count of " + name + " events.",
	})
	f.counters[key] = c
	return c
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := metricName(name)
	if h, ok := f.histograms[key]; ok {
		return h
	}
	h := f.factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: f.namespace,
		Name:      key,
		Help:      "Distribution of " + name + ".",
		Buckets:   prometheus.ExponentialBuckets(100, 2, 12),
	})
	f.histograms[key] = h
	return h
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
