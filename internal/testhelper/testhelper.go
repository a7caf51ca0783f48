// Package testhelper contains helpers shared by the test suites of walrelay.
package testhelper

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// Run sets up global test state and runs the tests of a package. Goroutines still alive after
// the tests finished are reported as failures.
func Run(m *testing.M) {
	goleak.VerifyTestMain(m,
		// glog is pulled in by badger's cache and starts its flush daemon on init.
		goleak.IgnoreTopFunction("github.com/golang/glog.(*fileSink).flushDaemon"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// Context returns a context that is cancelled when the test finishes.
func Context(tb testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)
	return ctx
}

// MustClose calls Close() on the Closer and fails the test in case it returns an error.
func MustClose(tb testing.TB, closer io.Closer) {
	tb.Helper()
	require.NoError(tb, closer.Close())
}
