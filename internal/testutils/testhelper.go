package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger so test
// failures come with the full execution trace.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Eventually polls cond until it returns true or the deadline passes.
func (h *TestHelper) Eventually(cond func() bool, timeout time.Duration, msgAndArgs ...interface{}) {
	h.T.Helper()
	require.Eventually(h.T, cond, timeout, 2*time.Millisecond, msgAndArgs...)
}

// CreateAdvertisement builds a basic advertisement snapshot for tests.
func CreateAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

// CreateAdvertisementFromJSON builds an advertisement from a JSON fixture.
func CreateAdvertisementFromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}
