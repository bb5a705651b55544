package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Once(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() {
		Register(reg)
		Register(reg)
	})

	FetchErrors.WithLabelValues("tBTCUSD").Inc()
	DeliveryLatency.Observe(0.01)

	n, err := testutil.GatherAndCount(reg,
		"broadcaster_poller_fetch_errors_total",
		"broadcaster_pipeline_delivery_latency_seconds",
	)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
