package testutil

import (
	"testing"
	"time"
)

// Eventually polls fn until it returns nil, failing the test with the last
// error once timeout has passed.
func Eventually(t *testing.T, timeout time.Duration, interval time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = fn(); lastErr == nil {
			return
		}
		if time.Now().After(deadline) {
			break
		}
		<-ticker.C
	}
	t.Fatalf("condition not met within %s: %v", timeout, lastErr)
}
