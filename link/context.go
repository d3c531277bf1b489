// Package link holds the state of the single tracked BLE connection.
//
// Context is the one source of truth for a connection attempt: identity,
// GATT discovery range, protocol-specific attribute handles, the
// advertisement snapshot, and an explicit lifecycle state. Exactly one
// Context instance exists per orchestrator.
package link

import (
	"fmt"
	"sync"

	btlink "github.com/srg/btlink"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateDiscovering
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Context tracks the current connection attempt or result.
//
// Mutations arrive from the radio event path while readers poll from
// application code, so every access goes through the mutex.
type Context struct {
	mu sync.RWMutex

	conn    btlink.ConnHandle
	connSet bool

	addrType    btlink.AddrType
	addrTypeSet bool
	addr        []byte

	startHandle btlink.ValueHandle
	endHandle   btlink.ValueHandle
	rangeSet    bool

	uartRX      btlink.ValueHandle
	uartTX      btlink.ValueHandle
	uartSet     bool
	hubHandle   btlink.ValueHandle
	hubSet      bool

	advType  int
	name     string
	services []string

	state State
}

// NewContext creates a Context in the idle state with every field unset.
func NewContext() *Context {
	return &Context{}
}

// Reset returns every field to its initial unset value and the state to
// idle. Called before starting a brand-new connection attempt.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = 0
	c.connSet = false
	c.addrType = 0
	c.addrTypeSet = false
	c.addr = nil
	c.startHandle = 0
	c.endHandle = 0
	c.rangeSet = false
	c.uartRX = 0
	c.uartTX = 0
	c.uartSet = false
	c.hubHandle = 0
	c.hubSet = false
	c.advType = 0
	c.name = ""
	c.services = nil
	c.state = StateIdle
}

// SetConnectionInfo records the connection handle and, when provided,
// the peer address. Passing a nil addrType or addr leaves the previously
// stored value untouched; the address bytes are copied so the Context never
// aliases a caller-owned buffer.
func (c *Context) SetConnectionInfo(conn btlink.ConnHandle, addrType *btlink.AddrType, addr []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = conn
	c.connSet = true
	if addrType != nil {
		c.addrType = *addrType
		c.addrTypeSet = true
	}
	if addr != nil {
		c.addr = append([]byte(nil), addr...)
	}
}

// SetDiscoveryHandles records the GATT service discovery range.
func (c *Context) SetDiscoveryHandles(start, end btlink.ValueHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startHandle = start
	c.endHandle = end
	c.rangeSet = true
}

// SetUARTHandles records the UART RX and TX characteristic handles.
func (c *Context) SetUARTHandles(rx, tx btlink.ValueHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uartRX = rx
	c.uartTX = tx
	c.uartSet = true
}

// SetHubHandle records the hub characteristic handle.
func (c *Context) SetHubHandle(value btlink.ValueHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hubHandle = value
	c.hubSet = true
}

// SetDiscoveryData records the advertisement snapshot gathered during
// discovery. A nil services slice is stored as an empty list.
func (c *Context) SetDiscoveryData(advType int, name string, services []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advType = advType
	c.name = name
	if services == nil {
		services = []string{}
	}
	c.services = append([]string(nil), services...)
}

// SetState transitions the lifecycle state.
func (c *Context) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Conn returns the connection handle if set.
func (c *Context) Conn() (btlink.ConnHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.connSet
}

// Address returns the stored peer address if set.
func (c *Context) Address() (btlink.AddrType, []byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.addrTypeSet && c.addr == nil {
		return 0, nil, false
	}
	return c.addrType, append([]byte(nil), c.addr...), true
}

// DiscoveryRange returns the GATT discovery range if set.
func (c *Context) DiscoveryRange() (start, end btlink.ValueHandle, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startHandle, c.endHandle, c.rangeSet
}

// UARTHandles returns the RX and TX handles if set.
func (c *Context) UARTHandles() (rx, tx btlink.ValueHandle, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uartRX, c.uartTX, c.uartSet
}

// HubHandle returns the hub characteristic handle if set.
func (c *Context) HubHandle() (btlink.ValueHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hubHandle, c.hubSet
}

// Name returns the advertised device name from the discovery snapshot.
func (c *Context) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Services returns the advertised services from the discovery snapshot.
func (c *Context) Services() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.services...)
}

// AdvType returns the advertisement type from the discovery snapshot.
func (c *Context) AdvType() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.advType
}

// IsUARTReady reports whether both UART handles are available.
func (c *Context) IsUARTReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uartSet
}

// IsHubReady reports whether the hub handle is available.
func (c *Context) IsHubReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hubSet
}

// IsConnected reports whether a link is established: connection handle set
// and state connected.
func (c *Context) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connSet && c.state == StateConnected
}

// HasDiscoveryHandles reports whether the discovery range is set.
func (c *Context) HasDiscoveryHandles() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rangeSet
}

// ClearConnection narrowly unsets the connection handle and returns the
// state to idle. The discovered address, name and services survive so the
// caller can still report which peer just went away.
func (c *Context) ClearConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = 0
	c.connSet = false
	c.state = StateIdle
}

// String renders a one-line debug representation.
func (c *Context) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conn := "none"
	if c.connSet {
		conn = fmt.Sprintf("%d", c.conn)
	}
	uart := "pending"
	if c.uartSet {
		uart = "READY"
	}
	hub := "pending"
	if c.hubSet {
		hub = "READY"
	}
	return fmt.Sprintf("Context(conn=%s, uart=%s, hub=%s, state=%s, name=%q)",
		conn, uart, hub, c.state, c.name)
}
