package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTestTimeout bounds every wait in the test suites
const DefaultTestTimeout = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Context returns a context bounded by DefaultTestTimeout and cancelled with the test
func (h *TestHelper) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	h.T.Cleanup(cancel)
	return ctx
}

// WaitFor polls cond until it holds or timeout elapses
func WaitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(1 * time.Millisecond) // Small sleep to avoid busy-waiting
	}
	return cond()
}
