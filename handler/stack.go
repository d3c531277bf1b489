package handler

import (
	"context"

	btlink "github.com/srg/btlink"
)

// Characteristic is one GATT characteristic found during discovery.
type Characteristic struct {
	// UUID is the normalized characteristic UUID (lowercase, no dashes).
	UUID string

	// Handle is the characteristic declaration handle.
	Handle btlink.ValueHandle

	// Value is the value handle used for writes, reads and notifications.
	Value btlink.ValueHandle
}

// Peer is an established link to a remote device.
//
// Method calls may block on radio traffic; callers serialize them through
// the orchestrator.
type Peer interface {
	// Address returns the peer address the link was dialed with.
	Address() string

	// DiscoverService locates the primary service with the given UUID and
	// returns its attribute handle range.
	DiscoverService(uuid string) (start, end btlink.ValueHandle, err error)

	// DiscoverCharacteristics lists the characteristics inside a previously
	// discovered handle range.
	DiscoverCharacteristics(start, end btlink.ValueHandle) ([]Characteristic, error)

	// Write writes data to a characteristic value handle. withResponse
	// selects an acknowledged write.
	Write(value btlink.ValueHandle, data []byte, withResponse bool) error

	// Subscribe enables notifications on a value handle and delivers each
	// notification payload to fn.
	Subscribe(value btlink.ValueHandle, fn func(data []byte)) error

	// ExchangeMTU negotiates the ATT MTU and returns the agreed size.
	ExchangeMTU(requested int) (int, error)

	// Disconnected returns a channel closed when the link drops, whether
	// locally requested or peer-initiated.
	Disconnected() <-chan struct{}

	// Disconnect requests link teardown.
	Disconnect() error
}

// Stack abstracts the BLE radio operations the orchestrator drives. The
// production implementation wraps go-ble; tests substitute a fake.
type Stack interface {
	// Scan runs radio scanning until ctx is cancelled, delivering each
	// observed advertisement to h. A nil error means the scan ended by
	// cancellation.
	Scan(ctx context.Context, allowDup bool, h func(btlink.Advertisement)) error

	// Connect dials the peer with the given address.
	Connect(ctx context.Context, addr string) (Peer, error)
}
