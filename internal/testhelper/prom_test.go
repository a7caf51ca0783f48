package testhelper

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestComparePromMetrics(t *testing.T) {
	t.Parallel()

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "walrelay_test_total",
		Help: "Test counter.",
	}, []string{"replica"})
	counter.WithLabelValues("2").Add(3)

	for _, tc := range []struct {
		desc        string
		value       int
		expectError bool
	}{
		{desc: "matching value", value: 3},
		{desc: "mismatching value", value: 4, expectError: true},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := ComparePromMetrics(t, counter, fmt.Sprintf(`# HELP walrelay_test_total Test counter.
# TYPE walrelay_test_total counter
walrelay_test_total{replica="2"} %d
`, tc.value))
			if tc.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoggerHook(t *testing.T) {
	t.Parallel()

	logger := NewLogger(t)
	hook := AddLoggerHook(logger)

	logger.WithField("replica_id", 2).Info("relay started")
	logger.Warn("relay stopped")

	require.Len(t, hook.AllEntries(), 2)
	require.Equal(t, "relay stopped", hook.LastEntry().Message)

	hook.Reset()
	require.Empty(t, hook.AllEntries())
}

func TestMain(m *testing.M) {
	Run(m)
}
