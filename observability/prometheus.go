package observability

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusFactory is a MetricFactory backed by a prometheus.Registerer.
// Dotted names become underscored metric names; counters get a _total suffix.
type PrometheusFactory struct {
	reg        prometheus.Registerer
	namespace  string
	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// NewPrometheusFactory registers metrics on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheusFactory(reg prometheus.Registerer, namespace string) *PrometheusFactory {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusFactory{
		reg:        reg,
		namespace:  namespace,
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

func metricName(name string) string {
	name = strings.TrimPrefix(name, "quota.")
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// Counter implements MetricFactory. Asking twice for the same name returns
// the same collector.
func (f *PrometheusFactory) Counter(name string) Counter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: f.namespace,
		Name:      metricName(name) + "_total",
		Help:      "Total " + strings.ReplaceAll(name, ".", " ") + ".",
	})
	if existing, ok := f.register(c).(prometheus.Counter); ok {
		c = existing
	}
	f.counters[name] = c
	return c
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: f.namespace,
		Name:      metricName(name),
		Help:      "Distribution of " + strings.ReplaceAll(name, ".", " ") + ".",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
	if existing, ok := f.register(h).(prometheus.Histogram); ok {
		h = existing
	}
	f.histograms[name] = h
	return h
}

// register returns the collector already registered under the same
// descriptor, or nil when c was registered fresh.
func (f *PrometheusFactory) register(c prometheus.Collector) prometheus.Collector {
	err := f.reg.Register(c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector
	}
	panic(err)
}
