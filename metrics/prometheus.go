package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyBuckets spans fast quote stubs up to chain calls near the
// validation timeout.
var latencyBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

var (
	counterLabels = []string{"type", "network", "provider"}
	latencyLabels = []string{"operation", "network"}
)

type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the cryptopay collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptopay",
			Name:      "events_total",
			Help:      "cryptopay event counters",
		},
		counterLabels,
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cryptopay",
			Name:      "latency_seconds",
			Help:      "cryptopay operation latency",
			Buckets:   latencyBuckets,
		},
		latencyLabels,
	)

	for _, c := range []prometheus.Collector{counters, histogram} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &PrometheusRecorder{
		counters:  counters,
		histogram: histogram,
	}, nil
}

// IncCounter counts one event of kind name. Label keys other than network
// and provider are ignored.
func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.WithLabelValues(values(name, labels, counterLabels)...).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.WithLabelValues(values(name, labels, latencyLabels)...).Observe(d.Seconds())
}

// values orders label values by keys; the first key always carries name.
func values(name string, labels map[string]string, keys []string) []string {
	out := make([]string, len(keys))
	out[0] = name
	for i, k := range keys[1:] {
		out[i+1] = labels[k]
	}
	return out
}
