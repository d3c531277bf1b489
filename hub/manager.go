// Package hub provides the high-level connection manager for LEGO-compatible
// smart hubs.
//
// Hubs advertise for a short window after power-on; Connect searches for any
// hub advertising the hub service and takes the first one found.
package hub

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/central"
	"github.com/srg/btlink/registry"
)

// DefaultConnectTimeout bounds a connect attempt when no timeout is given.
const DefaultConnectTimeout = 10 * time.Second

// ConnectOptions configures a hub connect attempt.
type ConnectOptions struct {
	// Timeout bounds the whole attempt. Zero means DefaultConnectTimeout.
	Timeout time.Duration

	// Debug emits the orchestrator's status dump on each progress tick.
	Debug bool

	OnNotify     registry.NotifyFunc
	OnDisconnect registry.DisconnectFunc

	// OnProgress, when set, receives the per-second progress ticks.
	OnProgress func(second, total int)
}

// Result carries the handles and identity of an established hub connection.
type Result struct {
	Conn  btlink.ConnHandle
	Value btlink.ValueHandle
	Name  string
}

// Manager drives the scan-match-connect-discover flow for hubs.
type Manager struct {
	central    central.Central
	logger     *logrus.Logger
	connecting atomic.Bool
}

// NewManager creates a hub connection manager.
func NewManager(c central.Central, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{central: c, logger: logger}
}

// IsConnecting reports whether a connect attempt is in flight.
func (m *Manager) IsConnecting() bool {
	return m.connecting.Load()
}

// Connect searches for any advertising hub and blocks until the
// orchestrator's event-driven side resolves the attempt or the timeout
// elapses. Timeout and no-hub-advertising both yield ErrNotFound.
// Discovery is stopped and the connecting flag cleared unconditionally.
func (m *Manager) Connect(ctx context.Context, opts *ConnectOptions) (*Result, error) {
	if opts == nil {
		opts = &ConnectOptions{}
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
	disc.StartHubDiscovery(nil, nil)
	defer disc.StopDiscovery()

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.central.StartScan(scanCtx); err != nil {
		return nil, err
	}

	m.logger.WithField("timeout", timeout).Info("searching for hub")

	if err := m.await(ctx, disc.Resolved(), timeout, opts); err != nil {
		return nil, err
	}

	if !lk.IsHubReady() {
		return nil, central.ErrNotFound
	}
	conn, ok := lk.Conn()
	if !ok {
		return nil, central.ErrNotFound
	}
	value, _ := lk.HubHandle()

	cbs := m.central.Callbacks()
	if opts.OnNotify != nil {
		cbs.OnNotify(conn, opts.OnNotify)
	}
	if opts.OnDisconnect != nil {
		cbs.OnDisconnect(conn, opts.OnDisconnect)
	}

	name := lk.Name()
	m.logger.WithFields(logrus.Fields{
		"conn": conn,
		"name": name,
	}).Info("hub connected")

	return &Result{Conn: conn, Value: value, Name: name}, nil
}

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
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			switch {
			case opts.Debug:
				m.logger.Info(m.central.DebugDump())
			case opts.OnProgress != nil:
				opts.OnProgress(tick, total)
			default:
				m.logger.Infof("searching for hub... (%d/%ds)", tick, total)
			}
			tick++
		}
	}
}

// Write sends a command to the hub's characteristic.
func (m *Manager) Write(conn btlink.ConnHandle, data []byte, withResponse bool) error {
	return m.central.HubWrite(conn, data, withResponse)
}

// OnNotify registers a callback for hub notifications (sensor/status data).
func (m *Manager) OnNotify(conn btlink.ConnHandle, cb registry.NotifyFunc) {
	m.central.Callbacks().OnNotify(conn, cb)
}

// OnDisconnect registers a callback for disconnection.
func (m *Manager) OnDisconnect(conn btlink.ConnHandle, cb registry.DisconnectFunc) {
	m.central.Callbacks().OnDisconnect(conn, cb)
}

// Disconnect requests a best-effort link teardown, then unconditionally
// clears the connection's registry entries and narrows the connection
// context.
func (m *Manager) Disconnect(conn btlink.ConnHandle) {
	res := central.BestEffort{Op: "link teardown", Err: m.central.DisconnectLink(conn)}
	if res.Failed() {
		m.logger.WithError(res.Err).Debug(res.String())
	}
	m.central.Callbacks().ClearConnection(conn)
	m.central.Link().ClearConnection()
}

// HubName reports the discovered name of the current or most recent hub.
// It keeps answering after a disconnect because ClearConnection preserves
// the discovery snapshot.
func (m *Manager) HubName() string {
	return m.central.Link().Name()
}
