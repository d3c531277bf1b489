// Package central defines the capability surface a connection manager needs
// from the orchestrator that owns the BLE radio.
//
// The orchestrator owns the singleton discovery manager, connection context
// and callback registry; connection managers compose them into bounded
// connect/disconnect operations without touching the radio directly.
package central

import (
	"context"
	"errors"
	"fmt"

	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/discovery"
	"github.com/srg/btlink/link"
	"github.com/srg/btlink/registry"
)

// ErrNotFound is the single caller-visible connect failure: the search
// criteria never matched before the timeout, or the matched peer never
// became ready. The two are deliberately indistinguishable.
var ErrNotFound = errors.New("device not found")

// Central is the orchestrator capability surface.
//
// The three accessors expose the process-wide singletons shared by all
// connection managers; the remaining methods are the raw BLE primitives.
type Central interface {
	Discovery() *discovery.Manager
	Link() *link.Context
	Callbacks() *registry.Registry

	// StartScan begins radio scanning. Results are delivered asynchronously
	// into the discovery manager until ctx is cancelled or the scan window
	// elapses.
	StartScan(ctx context.Context) error

	// DisconnectLink requests link teardown. Best-effort from the caller's
	// perspective.
	DisconnectLink(conn btlink.ConnHandle) error

	// NegotiateMTU attempts a best-effort MTU upgrade and returns the
	// negotiated size. Failure must not abort a connect flow.
	NegotiateMTU(conn btlink.ConnHandle, requested int) (int, error)

	// UARTWrite writes to a UART peripheral's RX characteristic.
	UARTWrite(conn btlink.ConnHandle, value btlink.ValueHandle, data []byte, withResponse bool) error

	// HubWrite writes a command to the connected hub's characteristic.
	HubWrite(conn btlink.ConnHandle, data []byte, withResponse bool) error

	// DebugDump renders a human-readable status snapshot.
	DebugDump() string
}

// BestEffort is the outcome of an operation whose failure is non-fatal by
// design (link teardown, MTU negotiation). Callers log it and move on; it
// never changes control flow.
type BestEffort struct {
	Op  string
	Err error
}

// Failed reports whether the operation failed.
func (b BestEffort) Failed() bool { return b.Err != nil }

func (b BestEffort) String() string {
	if b.Err == nil {
		return fmt.Sprintf("%s: ok", b.Op)
	}
	return fmt.Sprintf("%s: failed (non-fatal): %v", b.Op, b.Err)
}
