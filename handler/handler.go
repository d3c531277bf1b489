// Package handler implements the event-driven orchestrator that wires the
// discovery manager, connection context and callback registry to a BLE
// radio stack.
//
// The orchestrator owns the radio: it runs the scan loop, reacts to the
// first advertisement matching the active discovery session by connecting
// and discovering the target service, and resolves the session so a blocked
// connection manager can pick up the result from the connection context.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/central"
	"github.com/srg/btlink/discovery"
	"github.com/srg/btlink/internal/bleuuid"
	"github.com/srg/btlink/internal/groutine"
	"github.com/srg/btlink/internal/ringchan"
	"github.com/srg/btlink/link"
	"github.com/srg/btlink/registry"
)

// Default GATT profile UUIDs, normalized. The UART set is the Nordic UART
// Service; the hub set is the LEGO Wireless Protocol v3 service.
const (
	DefaultUARTService = "6e400001b5a3f393e0a9e50e24dcca9e"
	DefaultUARTRX      = "6e400002b5a3f393e0a9e50e24dcca9e"
	DefaultUARTTX      = "6e400003b5a3f393e0a9e50e24dcca9e"
	DefaultHubService  = "1623"
	DefaultHubChar     = "1624"
)

const (
	// DefaultWriteChunkSize is the maximum number of bytes per write
	// operation. BLE 4.0/4.1 guarantee only 20 payload bytes per ATT write,
	// so chunking at 20 keeps writes portable across peripherals.
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay is the pause between consecutive write chunks so a
	// slow peripheral's receive buffer is not overrun.
	DefaultWriteDelay = 10 * time.Millisecond

	// DefaultDialTimeout bounds a single connect attempt to a matched peer.
	DefaultDialTimeout = 8 * time.Second

	// DefaultEventLogSize is the capacity of the status event ring.
	DefaultEventLogSize = 256

	// DefaultScanEventBuffer is the capacity of the scan observer channel.
	DefaultScanEventBuffer = 64
)

// Event is one entry in the orchestrator's status event log.
type Event struct {
	At  time.Time
	Msg string
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s", e.At.Format("15:04:05.000"), e.Msg)
}

// Options configures a Handler. Zero-value UUID fields fall back to the
// Nordic UART and LEGO hub defaults.
type Options struct {
	UARTService string
	UARTRX      string
	UARTTX      string
	HubService  string
	HubChar     string

	Logger *logrus.Logger
}

// Handler is the orchestrator. It implements central.Central.
//
// One Handler exists per radio; it owns the process-wide discovery manager,
// connection context and callback registry that the connection managers in
// the uart and hub packages share.
type Handler struct {
	logger *logrus.Logger
	stack  Stack

	reg  *registry.Registry
	lk   *link.Context
	disc *discovery.Manager

	uartService string
	uartRX      string
	uartTX      string
	hubService  string
	hubChar     string

	mu         sync.Mutex
	nextConn   uint16
	peers      map[btlink.ConnHandle]Peer
	scanCancel context.CancelFunc
	scanActive bool

	// events is an overwrite-oldest log of lifecycle milestones, rendered
	// by DebugDump. dumpMu makes the drain-and-requeue in DebugDump atomic
	// with respect to other dumps.
	events mpmc.RichOverlappedRingBuffer[Event]
	dumpMu sync.Mutex

	// seen remembers every distinct address observed during scanning, in
	// first-seen order, with the latest advertisement snapshot.
	seenMu sync.Mutex
	seen   *orderedmap.OrderedMap[string, btlink.Advertisement]

	// scanEvents fans advertisements out to an optional external observer
	// without ever blocking the scan path.
	scanEvents *ringchan.RingChannel[btlink.Advertisement]
}

var _ central.Central = (*Handler)(nil)

// New creates a Handler driving the given stack.
func New(stack Stack, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return bleuuid.Normalize(v)
	}

	return &Handler{
		logger:      logger,
		stack:       stack,
		reg:         registry.New(),
		lk:          link.NewContext(),
		disc:        discovery.NewManager(logger),
		uartService: pick(opts.UARTService, DefaultUARTService),
		uartRX:      pick(opts.UARTRX, DefaultUARTRX),
		uartTX:      pick(opts.UARTTX, DefaultUARTTX),
		hubService:  pick(opts.HubService, DefaultHubService),
		hubChar:     pick(opts.HubChar, DefaultHubChar),
		peers:       make(map[btlink.ConnHandle]Peer),
		events:      mpmc.NewOverlappedRingBuffer[Event](DefaultEventLogSize),
		seen:        orderedmap.New[string, btlink.Advertisement](),
		scanEvents:  ringchan.New[btlink.Advertisement](DefaultScanEventBuffer),
	}
}

// Discovery returns the shared discovery manager.
func (h *Handler) Discovery() *discovery.Manager { return h.disc }

// Link returns the shared connection context.
func (h *Handler) Link() *link.Context { return h.lk }

// Callbacks returns the shared callback registry.
func (h *Handler) Callbacks() *registry.Registry { return h.reg }

// ScanEvents returns a channel carrying every advertisement observed while
// scanning. The channel never blocks the scan path; under a slow consumer
// the oldest advertisements are dropped.
func (h *Handler) ScanEvents() <-chan btlink.Advertisement {
	return h.scanEvents.C()
}

// SeenDevices returns the distinct addresses observed so far, in first-seen
// order, each with its most recent advertisement snapshot.
func (h *Handler) SeenDevices() []btlink.Advertisement {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()

	out := make([]btlink.Advertisement, 0, h.seen.Len())
	for pair := h.seen.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// StartScan begins radio scanning in a background goroutine. Advertisements
// feed the discovery manager; the first one matching the active session
// stops the scan and triggers connect-and-discover. The scan ends when ctx
// is cancelled, a match arrives, or the radio reports an error.
func (h *Handler) StartScan(ctx context.Context) error {
	h.mu.Lock()
	if h.scanActive {
		h.mu.Unlock()
		return fmt.Errorf("scan already in progress")
	}
	scanCtx, cancel := context.WithCancel(ctx)
	h.scanCancel = cancel
	h.scanActive = true
	h.mu.Unlock()

	h.recordEvent("scan started (mode=%s)", h.disc.Mode())

	groutine.Go(scanCtx, "ble-scan", func(runCtx context.Context) {
		err := h.stack.Scan(runCtx, false, h.handleAdvertisement)

		h.mu.Lock()
		h.scanActive = false
		h.scanCancel = nil
		h.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			h.logger.WithError(err).Warn("scan ended with error")
			h.recordEvent("scan error: %v", err)
		} else {
			h.recordEvent("scan ended")
		}

		// Resolution dials with the caller's context, not the cancelled
		// scan context.
		h.finishScan(ctx)
	})
	return nil
}

// StopScan cancels an in-flight scan, if any.
func (h *Handler) StopScan() {
	h.mu.Lock()
	cancel := h.scanCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handler) handleAdvertisement(adv btlink.Advertisement) {
	h.seenMu.Lock()
	key := adv.AddrString()
	_, known := h.seen.Get(key)
	h.seen.Set(key, adv)
	h.seenMu.Unlock()

	if !known {
		h.recordEvent("new device %s %q rssi=%d", key, adv.Name, adv.RSSI)
	}

	h.scanEvents.ForceSend(adv)

	if cb, ok := h.reg.ScanResultCallback(); ok {
		cb(adv)
	}

	if h.disc.OnScanResult(adv, h.uartService, h.hubService) {
		h.StopScan()
	}
}

// finishScan runs once per scan, after the scan goroutine exits. It reports
// the scan outcome and, on a match, drives connect and service discovery.
// The discovery session is always resolved before returning.
func (h *Handler) finishScan(ctx context.Context) {
	mode := h.disc.Mode()
	if mode == discovery.ModeNone {
		// No session active; nothing to resolve.
		return
	}

	found, info := h.disc.OnScanDone()
	if cb, ok := h.reg.ScanDoneCallback(); ok {
		cb(found)
	}

	if !found {
		h.recordEvent("scan done: no match")
		h.disc.StopDiscovery()
		return
	}

	h.recordEvent("scan done: matched %q", info)
	h.resolveMatch(ctx, mode)
}

// resolveMatch connects to the matched peer, discovers the target service
// and characteristics, fills the connection context, and subscribes to
// notifications. On any failure the link context is left unready, which the
// waiting connection manager reports as not-found.
func (h *Handler) resolveMatch(ctx context.Context, mode discovery.Mode) {
	defer h.disc.StopDiscovery()

	addrType, addr, ok := h.disc.DiscoveredAddress()
	if !ok {
		return
	}
	address := btlink.FormatAddr(addr)

	h.lk.SetState(link.StateConnecting)
	h.recordEvent("connecting to %s", address)

	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()
	peer, err := h.stack.Connect(dialCtx, address)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Warn("connect to matched device failed")
		h.recordEvent("connect failed: %v", err)
		h.lk.SetState(link.StateIdle)
		return
	}

	conn := h.addPeer(peer)
	at := addrType
	h.lk.SetConnectionInfo(conn, &at, addr)
	if cb, ok := h.reg.CentralConnectCallback(); ok {
		cb(conn, addrType, addr)
	}

	if mode == discovery.ModeHub {
		h.lk.SetDiscoveryData(h.disc.DiscoveredAdvType(), h.disc.DiscoveredName(), h.disc.DiscoveredServices())
	}

	h.lk.SetState(link.StateDiscovering)

	svcUUID := h.uartService
	if mode == discovery.ModeHub {
		svcUUID = h.hubService
	}
	start, end, err := peer.DiscoverService(svcUUID)
	if err != nil {
		h.abortResolution(conn, peer, "service discovery", err)
		return
	}
	h.lk.SetDiscoveryHandles(start, end)

	chars, err := peer.DiscoverCharacteristics(start, end)
	if err != nil {
		h.abortResolution(conn, peer, "characteristic discovery", err)
		return
	}

	var (
		rx, tx, hubVal       btlink.ValueHandle
		rxOK, txOK, hubValOK bool
	)
	for _, ch := range chars {
		if cb, ok := h.reg.CharResultCallback(); ok {
			cb(conn, ch.Value, ch.UUID)
		}
		switch {
		case mode == discovery.ModeUART && bleuuid.Equal(ch.UUID, h.uartRX):
			rx, rxOK = ch.Value, true
		case mode == discovery.ModeUART && bleuuid.Equal(ch.UUID, h.uartTX):
			tx, txOK = ch.Value, true
		case mode == discovery.ModeHub && bleuuid.Equal(ch.UUID, h.hubChar):
			hubVal, hubValOK = ch.Value, true
		}
	}

	var notifyHandle btlink.ValueHandle
	switch mode {
	case discovery.ModeUART:
		if !rxOK || !txOK {
			h.abortResolution(conn, peer, "characteristic discovery",
				fmt.Errorf("UART characteristics not found (rx=%v tx=%v)", rxOK, txOK))
			return
		}
		h.lk.SetUARTHandles(rx, tx)
		notifyHandle = tx
	case discovery.ModeHub:
		if !hubValOK {
			h.abortResolution(conn, peer, "characteristic discovery",
				fmt.Errorf("hub characteristic not found"))
			return
		}
		h.lk.SetHubHandle(hubVal)
		notifyHandle = hubVal
	}

	if err := peer.Subscribe(notifyHandle, func(data []byte) {
		if cb, ok := h.reg.NotifyCallback(conn); ok {
			cb(data)
		}
	}); err != nil {
		h.abortResolution(conn, peer, "notification subscribe", err)
		return
	}

	h.lk.SetState(link.StateConnected)
	h.recordEvent("link %d up (%s)", conn, address)
	h.logger.WithFields(logrus.Fields{
		"conn":    conn,
		"address": address,
		"mode":    mode,
	}).Info("link established")

	// The monitor outlives the connect attempt's context.
	groutine.Go(context.Background(), "link-monitor", func(context.Context) {
		h.watchDisconnect(conn, peer)
	})
}

// abortResolution tears down a half-established link after a discovery-phase
// failure. Teardown is best-effort; the link context stays unready.
func (h *Handler) abortResolution(conn btlink.ConnHandle, peer Peer, op string, err error) {
	h.logger.WithError(err).Warnf("%s failed, dropping link", op)
	h.recordEvent("%s failed: %v", op, err)

	if res := (central.BestEffort{Op: "link teardown", Err: peer.Disconnect()}); res.Failed() {
		h.logger.WithError(res.Err).Debug(res.String())
	}
	h.removePeer(conn)
	h.lk.SetState(link.StateIdle)
}

// watchDisconnect blocks until the peer's link drops, then runs the
// disconnect notification and cleanup sequence exactly once.
func (h *Handler) watchDisconnect(conn btlink.ConnHandle, peer Peer) {
	<-peer.Disconnected()

	h.recordEvent("link %d down", conn)
	h.logger.WithField("conn", conn).Info("link lost")

	if cb, ok := h.reg.DisconnectCallback(conn); ok {
		cb()
	}
	if cb, ok := h.reg.CentralDisconnectCallback(); ok {
		cb(conn)
	}
	h.reg.ClearConnection(conn)

	if cur, ok := h.lk.Conn(); ok && cur == conn {
		h.lk.ClearConnection()
	}
	h.removePeer(conn)
}

func (h *Handler) addPeer(peer Peer) btlink.ConnHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextConn++
	conn := btlink.ConnHandle(h.nextConn)
	h.peers[conn] = peer
	return conn
}

func (h *Handler) removePeer(conn btlink.ConnHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, conn)
}

func (h *Handler) peer(conn btlink.ConnHandle) (Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[conn]
	if !ok {
		return nil, fmt.Errorf("unknown connection handle %d", conn)
	}
	return p, nil
}

// DisconnectLink requests teardown of the given link. Cleanup (callbacks,
// registry, link context) happens asynchronously via the disconnect monitor
// when the stack reports the link down.
func (h *Handler) DisconnectLink(conn btlink.ConnHandle) error {
	p, err := h.peer(conn)
	if err != nil {
		return err
	}
	h.lk.SetState(link.StateDisconnecting)
	h.recordEvent("link %d teardown requested", conn)
	return p.Disconnect()
}

// NegotiateMTU attempts an ATT MTU exchange on the given link and returns
// the negotiated size.
func (h *Handler) NegotiateMTU(conn btlink.ConnHandle, requested int) (int, error) {
	p, err := h.peer(conn)
	if err != nil {
		return 0, err
	}
	negotiated, err := p.ExchangeMTU(requested)
	if err != nil {
		return 0, err
	}
	h.recordEvent("link %d mtu=%d", conn, negotiated)
	return negotiated, nil
}

// UARTWrite writes data to a UART peripheral's RX characteristic, chunked to
// stay within the portable ATT payload size, and fires the connection's
// write-done callback on completion.
func (h *Handler) UARTWrite(conn btlink.ConnHandle, value btlink.ValueHandle, data []byte, withResponse bool) error {
	p, err := h.peer(conn)
	if err != nil {
		return err
	}
	if err := writeChunked(p, value, data, withResponse); err != nil {
		return err
	}
	if cb, ok := h.reg.WriteDoneCallback(conn); ok {
		cb(value, 0)
	}
	return nil
}

// HubWrite writes a command to the connected hub's characteristic, resolved
// from the connection context.
func (h *Handler) HubWrite(conn btlink.ConnHandle, data []byte, withResponse bool) error {
	value, ok := h.lk.HubHandle()
	if !ok {
		return fmt.Errorf("hub characteristic not discovered")
	}
	p, err := h.peer(conn)
	if err != nil {
		return err
	}
	if err := writeChunked(p, value, data, withResponse); err != nil {
		return err
	}
	if cb, ok := h.reg.WriteDoneCallback(conn); ok {
		cb(value, 0)
	}
	return nil
}

func writeChunked(p Peer, value btlink.ValueHandle, data []byte, withResponse bool) error {
	for off := 0; off < len(data); off += DefaultWriteChunkSize {
		end := off + DefaultWriteChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := p.Write(value, data[off:end], withResponse); err != nil {
			return fmt.Errorf("write chunk at offset %d: %w", off, err)
		}
		if end < len(data) {
			time.Sleep(DefaultWriteDelay)
		}
	}
	return nil
}

// DebugDump renders a human-readable status snapshot: link context, active
// discovery mode, live peers, recent events, and the seen-device table.
func (h *Handler) DebugDump() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", h.lk.String())
	fmt.Fprintf(&b, "discovery: mode=%s", h.disc.Mode())
	if name := h.disc.SearchName(); name != "" {
		fmt.Fprintf(&b, " search=%q", name)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	fmt.Fprintf(&b, "peers: %d, scanning: %v\n", len(h.peers), h.scanActive)
	h.mu.Unlock()

	b.WriteString("recent events:\n")
	for _, e := range h.recentEvents() {
		fmt.Fprintf(&b, "  %s\n", e)
	}

	h.seenMu.Lock()
	fmt.Fprintf(&b, "seen devices: %d\n", h.seen.Len())
	for pair := h.seen.Oldest(); pair != nil; pair = pair.Next() {
		adv := pair.Value
		fmt.Fprintf(&b, "  %s rssi=%d name=%q services=%d\n",
			pair.Key, adv.RSSI, adv.Name, len(adv.Services))
	}
	h.seenMu.Unlock()

	return b.String()
}

func (h *Handler) recordEvent(format string, args ...interface{}) {
	//nolint:errcheck // overwrite-oldest ring, enqueue cannot meaningfully fail
	h.events.EnqueueM(Event{At: time.Now(), Msg: fmt.Sprintf(format, args...)})
}

// recentEvents drains the event ring and re-enqueues everything so the log
// survives the dump.
func (h *Handler) recentEvents() []Event {
	h.dumpMu.Lock()
	defer h.dumpMu.Unlock()

	var out []Event
	for !h.events.IsEmpty() {
		e, err := h.events.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	for _, e := range out {
		//nolint:errcheck // see recordEvent
		h.events.EnqueueM(e)
	}
	return out
}
