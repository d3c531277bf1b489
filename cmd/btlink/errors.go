package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/btlink/central"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost
	// during operation, as opposed to the device never having been found.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns internal errors into actionable one-liners for the
// terminal. Unrecognized errors pass through unchanged.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, central.ErrNotFound):
		return fmt.Sprintf("%v - check that the device is powered on and advertising, then retry", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out - the device may be out of range or busy"
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("%v - the device disconnected unexpectedly", err)
	default:
		return err.Error()
	}
}
