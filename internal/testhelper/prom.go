package testhelper

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"
)

// RequirePromMetrics verifies that the collector produces the expected metrics. The expected
// metrics are given in the Prometheus text exposition format, for example:
//
// # TYPE walrelay_relay_heartbeats_total counter
// walrelay_relay_heartbeats_total{replica="2"} 1
//
// If no metric names are given, the names found in the expected text are compared and all other
// metrics of the collector are ignored.
func RequirePromMetrics(tb testing.TB, c prometheus.Collector, expected string, metrics ...string) {
	tb.Helper()
	require.NoError(tb, ComparePromMetrics(tb, c, expected, metrics...))
}

// ComparePromMetrics is a variant of RequirePromMetrics. It returns an error if the actual
// collected metrics don't match the expected ones.
func ComparePromMetrics(tb testing.TB, c prometheus.Collector, expected string, metrics ...string) error {
	tb.Helper()

	if len(metrics) == 0 {
		var parser expfmt.TextParser
		family, err := parser.TextToMetricFamilies(strings.NewReader(expected))
		require.NoErrorf(tb, err, "fail to parse expected prometheus metrics: %s", err)

		metrics = maps.Keys(family)
	}

	return testutil.CollectAndCompare(c, strings.NewReader(expected), metrics...)
}

// RequireMetricValue asserts the value of a single counter or gauge.
func RequireMetricValue(tb testing.TB, c prometheus.Collector, expected float64) {
	tb.Helper()
	require.Equal(tb, expected, testutil.ToFloat64(c))
}
