package testutil

import (
	"context"
	"testing"
	"time"
)

// DefaultTimeout bounds a test context when the caller passes zero.
const DefaultTimeout = 5 * time.Second

// Context returns the test's context bounded by timeout. It never outlives
// the test deadline, so a stuck engine call fails the test instead of the
// whole package run.
func Context(t testing.TB, timeout time.Duration) context.Context {
	t.Helper()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if dt, ok := t.(interface{ Deadline() (time.Time, bool) }); ok {
		if testDeadline, ok := dt.Deadline(); ok && testDeadline.Add(-time.Second).Before(deadline) {
			deadline = testDeadline.Add(-time.Second)
		}
	}
	ctx, cancel := context.WithDeadline(t.Context(), deadline)
	t.Cleanup(cancel)
	return ctx
}
