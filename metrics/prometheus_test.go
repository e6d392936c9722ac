package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	rec.IncCounter(QuoteSuccess, map[string]string{"provider": "Binance"})
	rec.IncCounter(QuoteSuccess, map[string]string{"provider": "Binance"})
	rec.ObserveLatency(OperationValidate, 20*time.Millisecond, map[string]string{"network": "bsc"})

	got := testutil.ToFloat64(rec.counters.With(prometheus.Labels{
		"type":     QuoteSuccess,
		"network":  "",
		"provider": "Binance",
	}))
	require.Equal(t, float64(2), got)
	require.Equal(t, 1, testutil.CollectAndCount(rec.histogram))

	_, err = NewPrometheusRecorder(reg)
	require.Error(t, err, "duplicate registration must fail")
}
