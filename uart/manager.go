// Package uart provides the high-level connection manager for UART-style
// BLE serial peripherals.
package uart

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/central"
	"github.com/srg/btlink/registry"
)

// DefaultConnectTimeout bounds a connect attempt when no timeout is given.
const DefaultConnectTimeout = 10 * time.Second

// ConnectOptions configures a UART connect attempt.
type ConnectOptions struct {
	// Name is the advertised device name to search for.
	Name string

	// Timeout bounds the whole attempt. Zero means DefaultConnectTimeout.
	Timeout time.Duration

	// Debug emits the orchestrator's status dump on each progress tick
	// instead of the plain counter message.
	Debug bool

	// Callbacks registered into the registry once the connection is ready.
	OnNotify     registry.NotifyFunc
	OnDisconnect registry.DisconnectFunc
	OnWriteDone  registry.WriteDoneFunc

	// OnProgress, when set, receives the per-second progress ticks instead
	// of the default log line.
	OnProgress func(second, total int)
}

// DefaultConnectOptions returns connect options for the given device name.
func DefaultConnectOptions(name string) *ConnectOptions {
	return &ConnectOptions{
		Name:    name,
		Timeout: DefaultConnectTimeout,
	}
}

// Result carries the handles of an established UART connection.
type Result struct {
	Conn btlink.ConnHandle
	RX   btlink.ValueHandle
	TX   btlink.ValueHandle
}

// Manager drives the scan-match-connect-discover flow for UART peripherals
// on top of the orchestrator's shared discovery manager, connection context
// and callback registry.
type Manager struct {
	central    central.Central
	logger     *logrus.Logger
	targetMTU  int
	connecting atomic.Bool
}

// NewManager creates a UART connection manager. targetMTU is the size
// requested during best-effort MTU negotiation; zero disables negotiation.
func NewManager(c central.Central, targetMTU int, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{central: c, logger: logger, targetMTU: targetMTU}
}

// IsConnecting reports whether a connect attempt is in flight.
func (m *Manager) IsConnecting() bool {
	return m.connecting.Load()
}

// Connect searches for a UART peripheral by name and blocks until the
// orchestrator's event-driven side resolves the attempt or the timeout
// elapses.
//
// On success the caller-supplied callbacks are registered, a larger MTU is
// negotiated best-effort (failure keeps the default and is only logged), and
// the connection plus RX/TX handles are returned. Timeout and
// device-not-advertising are indistinguishable: both yield ErrNotFound.
// Discovery is stopped and the connecting flag cleared unconditionally.
func (m *Manager) Connect(ctx context.Context, opts *ConnectOptions) (*Result, error) {
	if opts == nil || opts.Name == "" {
		return nil, fmt.Errorf("device name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	m.connecting.Store(true)
	defer m.connecting.Store(false)

	disc := m.central.Discovery()
	lk := m.central.Link()

	lk.Reset()
	disc.StartUARTDiscovery(opts.Name, nil, nil)
	defer disc.StopDiscovery()

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.central.StartScan(scanCtx); err != nil {
		return nil, fmt.Errorf("failed to start scanning: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"name":    opts.Name,
		"timeout": timeout,
	}).Info("connecting to UART peripheral")

	if err := m.await(ctx, disc.Resolved(), timeout, opts); err != nil {
		return nil, err
	}

	if !lk.IsUARTReady() {
		return nil, central.ErrNotFound
	}
	conn, ok := lk.Conn()
	if !ok {
		return nil, central.ErrNotFound
	}
	rx, tx, _ := lk.UARTHandles()

	cbs := m.central.Callbacks()
	if opts.OnNotify != nil {
		cbs.OnNotify(conn, opts.OnNotify)
	}
	if opts.OnDisconnect != nil {
		cbs.OnDisconnect(conn, opts.OnDisconnect)
	}
	if opts.OnWriteDone != nil {
		cbs.OnWriteDone(conn, opts.OnWriteDone)
	}

	if res := m.negotiateMTU(conn); res.Failed() {
		m.logger.WithError(res.Err).Debug("MTU negotiation failed, keeping default")
	}

	m.logger.WithFields(logrus.Fields{
		"conn": conn,
		"rx":   rx,
		"tx":   tx,
	}).Info("UART peripheral connected")

	return &Result{Conn: conn, RX: rx, TX: tx}, nil
}

// await blocks until the discovery session resolves, the timeout elapses,
// or ctx is cancelled, emitting one progress tick per second.
func (m *Manager) await(ctx context.Context, resolved <-chan struct{}, timeout time.Duration, opts *ConnectOptions) error {
	total := int(timeout / time.Second)
	if total < 1 {
		total = 1
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for tick := 1; ; {
		select {
		case <-resolved:
			return nil
		case <-deadline.C:
			// The readiness check decides whether the attempt succeeded.
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.progress(tick, total, opts)
			tick++
		}
	}
}

func (m *Manager) progress(tick, total int, opts *ConnectOptions) {
	switch {
	case opts.Debug:
		m.logger.Info(m.central.DebugDump())
	case opts.OnProgress != nil:
		opts.OnProgress(tick, total)
	default:
		m.logger.Infof("connecting to %s... (%d/%ds)", opts.Name, tick, total)
	}
}

func (m *Manager) negotiateMTU(conn btlink.ConnHandle) central.BestEffort {
	if m.targetMTU <= 0 {
		return central.BestEffort{Op: "mtu negotiation"}
	}
	negotiated, err := m.central.NegotiateMTU(conn, m.targetMTU)
	if err == nil {
		m.logger.WithField("mtu", negotiated).Debug("MTU negotiated")
	}
	return central.BestEffort{Op: "mtu negotiation", Err: err}
}

// Write sends data to the peripheral's RX characteristic.
func (m *Manager) Write(conn btlink.ConnHandle, data []byte, rx btlink.ValueHandle, withResponse bool) error {
	return m.central.UARTWrite(conn, rx, data, withResponse)
}

// OnNotify registers a callback for notifications from the connection.
func (m *Manager) OnNotify(conn btlink.ConnHandle, cb registry.NotifyFunc) {
	m.central.Callbacks().OnNotify(conn, cb)
}

// OnDisconnect registers a callback for disconnection.
func (m *Manager) OnDisconnect(conn btlink.ConnHandle, cb registry.DisconnectFunc) {
	m.central.Callbacks().OnDisconnect(conn, cb)
}

// OnWriteDone registers a callback for write completion.
func (m *Manager) OnWriteDone(conn btlink.ConnHandle, cb registry.WriteDoneFunc) {
	m.central.Callbacks().OnWriteDone(conn, cb)
}

// Disconnect requests a best-effort link teardown, then unconditionally
// clears the connection's registry entries and narrows the connection
// context. Teardown failures are logged and discarded.
func (m *Manager) Disconnect(conn btlink.ConnHandle) {
	res := central.BestEffort{Op: "link teardown", Err: m.central.DisconnectLink(conn)}
	if res.Failed() {
		m.logger.WithError(res.Err).Debug(res.String())
	}
	m.central.Callbacks().ClearConnection(conn)
	m.central.Link().ClearConnection()
}
