package tun_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutine outlives the package's tests; the
// loopback device must fully unwind on Close.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
