package handler_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/handler"
	"github.com/srg/btlink/internal/testutils"
	"github.com/srg/btlink/link"
)

type HandlerTestSuite struct {
	suite.Suite

	stack *testutils.FakeStack
	h     *handler.Handler

	uartDevice *testutils.FakePeripheral
	hubDevice  *testutils.FakePeripheral
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func (suite *HandlerTestSuite) SetupTest() {
	suite.uartDevice = testutils.NewUARTPeripheral("robot", "AA:BB:CC:DD:EE:FF")
	suite.hubDevice = testutils.NewHubPeripheral("Technic Hub", "11:22:33:44:55:66")
	suite.stack = testutils.NewFakeStack(suite.uartDevice, suite.hubDevice)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	suite.h = handler.New(suite.stack, handler.Options{Logger: logger})
}

// connectUART drives a full UART connect flow and returns the connection
// handle.
func (suite *HandlerTestSuite) connectUART(name string) btlink.ConnHandle {
	suite.T().Helper()

	disc := suite.h.Discovery()
	disc.StartUARTDiscovery(name, nil, nil)
	suite.Require().NoError(suite.h.StartScan(context.Background()), "scan MUST start")

	suite.waitResolved()

	conn, ok := suite.h.Link().Conn()
	suite.Require().True(ok, "connection handle MUST be set after resolution")
	return conn
}

func (suite *HandlerTestSuite) connectHub() btlink.ConnHandle {
	suite.T().Helper()

	disc := suite.h.Discovery()
	disc.StartHubDiscovery(nil, nil)
	suite.Require().NoError(suite.h.StartScan(context.Background()), "scan MUST start")

	suite.waitResolved()

	conn, ok := suite.h.Link().Conn()
	suite.Require().True(ok, "connection handle MUST be set after resolution")
	return conn
}

func (suite *HandlerTestSuite) waitResolved() {
	suite.T().Helper()
	select {
	case <-suite.h.Discovery().Resolved():
	case <-time.After(2 * time.Second):
		suite.FailNow("discovery session did not resolve in time")
	}
}

func (suite *HandlerTestSuite) TestUARTConnectFlow() {
	// GOAL: Verify the full event-driven UART flow: scan → match → connect →
	// service discovery → characteristic discovery → subscribed and connected
	//
	// TEST SCENARIO: One UART peripheral advertising as "robot" → session
	// resolves → link context holds connection, range and RX/TX handles

	conn := suite.connectUART("robot")
	lk := suite.h.Link()

	suite.Assert().Equal(btlink.ConnHandle(1), conn, "first link MUST get handle 1")
	suite.Assert().Equal(link.StateConnected, lk.State(), "state MUST be connected")
	suite.Assert().True(lk.IsUARTReady(), "UART handles MUST be ready")

	start, end, ok := lk.DiscoveryRange()
	suite.Assert().True(ok, "discovery range MUST be recorded")
	suite.Assert().Equal(btlink.ValueHandle(10), start, "range start MUST match service")
	suite.Assert().Equal(btlink.ValueHandle(20), end, "range end MUST match service")

	rx, tx, ok := lk.UARTHandles()
	suite.Assert().True(ok, "UART handles MUST be set")
	suite.Assert().Equal(btlink.ValueHandle(12), rx, "RX handle MUST come from discovery")
	suite.Assert().Equal(btlink.ValueHandle(14), tx, "TX handle MUST come from discovery")

	addrType, addr, ok := lk.Address()
	suite.Assert().True(ok, "peer address MUST be recorded")
	suite.Assert().Equal(btlink.AddrRandom, addrType, "address type MUST come from the advertisement")
	suite.Assert().Equal("AA:BB:CC:DD:EE:FF", btlink.FormatAddr(addr), "address MUST match the matched device")
}

func (suite *HandlerTestSuite) TestHubConnectFlow() {
	// GOAL: Verify the hub flow matches on service UUID alone and captures
	// the advertisement snapshot for later identity queries
	//
	// TEST SCENARIO: Hub advertising the hub service → session resolves →
	// hub handle set, name and services recorded in the link context

	suite.connectHub()
	lk := suite.h.Link()

	suite.Assert().Equal(link.StateConnected, lk.State(), "state MUST be connected")
	suite.Assert().True(lk.IsHubReady(), "hub handle MUST be ready")

	value, ok := lk.HubHandle()
	suite.Assert().True(ok, "hub handle MUST be set")
	suite.Assert().Equal(btlink.ValueHandle(32), value, "hub handle MUST come from discovery")

	suite.Assert().Equal("Technic Hub", lk.Name(), "advertised name MUST be snapshotted")
	suite.Assert().Contains(lk.Services(), handler.DefaultHubService, "hub service MUST be in the snapshot")
}

func (suite *HandlerTestSuite) TestScanWithoutMatch() {
	// GOAL: Verify a session searching for an absent device resolves with no
	// match once the scan window closes, leaving the link context unready
	//
	// TEST SCENARIO: Search for unknown name → scan window elapses →
	// session resolved, nothing matched, no connection

	disc := suite.h.Discovery()

	var doneFound *bool
	suite.h.Callbacks().OnScanDone(func(found bool) { doneFound = &found })

	disc.StartUARTDiscovery("ghost", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	suite.Require().NoError(suite.h.StartScan(ctx), "scan MUST start")

	suite.waitResolved()

	_, _, matched := disc.DiscoveredAddress()
	suite.Assert().False(matched, "nothing MUST match an absent name")
	suite.Assert().False(suite.h.Link().IsUARTReady(), "link MUST stay unready")
	_, ok := suite.h.Link().Conn()
	suite.Assert().False(ok, "no connection MUST be created")

	suite.Require().NotNil(doneFound, "scan-done callback MUST fire")
	suite.Assert().False(*doneFound, "scan-done MUST report no match")
}

func (suite *HandlerTestSuite) TestNotificationDispatch() {
	// GOAL: Verify peripheral notifications reach the callback registered for
	// the connection
	//
	// TEST SCENARIO: Connect → register notify callback → peripheral pushes
	// data on TX handle → callback receives the payload

	conn := suite.connectUART("robot")

	received := make(chan []byte, 1)
	suite.h.Callbacks().OnNotify(conn, func(data []byte) {
		received <- append([]byte(nil), data...)
	})

	peer := suite.stack.LastPeer()
	suite.Require().NotNil(peer, "a peer MUST have been dialed")
	suite.Require().True(peer.Notify(14, []byte("ping")), "TX handle MUST be subscribed")

	select {
	case data := <-received:
		suite.Assert().Equal([]byte("ping"), data, "payload MUST pass through unchanged")
	case <-time.After(time.Second):
		suite.FailNow("notification never reached the callback")
	}
}

func (suite *HandlerTestSuite) TestUARTWriteChunking() {
	// GOAL: Verify large writes are split into ATT-sized chunks and the
	// write-done callback fires once at the end
	//
	// TEST SCENARIO: 45-byte write → three chunks of 20/20/5 bytes → one
	// write-done callback with the target handle

	conn := suite.connectUART("robot")

	var done []btlink.ValueHandle
	suite.h.Callbacks().OnWriteDone(conn, func(value btlink.ValueHandle, status int) {
		done = append(done, value)
		suite.Assert().Equal(0, status, "status MUST be success")
	})

	data := bytes.Repeat([]byte{0xAB}, 45)
	suite.Require().NoError(suite.h.UARTWrite(conn, 12, data, false), "write MUST succeed")

	writes := suite.stack.LastPeer().Writes()
	suite.Require().Len(writes, 3, "45 bytes MUST produce three chunks")
	suite.Assert().Len(writes[0].Data, 20, "first chunk MUST be 20 bytes")
	suite.Assert().Len(writes[1].Data, 20, "second chunk MUST be 20 bytes")
	suite.Assert().Len(writes[2].Data, 5, "last chunk MUST carry the remainder")
	for _, w := range writes {
		suite.Assert().Equal(btlink.ValueHandle(12), w.Value, "every chunk MUST target the RX handle")
		suite.Assert().False(w.WithResponse, "write mode MUST be preserved")
	}

	suite.Assert().Equal([]btlink.ValueHandle{12}, done, "write-done MUST fire exactly once")
}

func (suite *HandlerTestSuite) TestHubWrite() {
	// GOAL: Verify hub writes resolve the characteristic handle from the
	// link context
	//
	// TEST SCENARIO: Connect to hub → HubWrite → data lands on the hub
	// characteristic handle

	conn := suite.connectHub()

	cmd := []byte{0x05, 0x00, 0x01, 0x02, 0x02}
	suite.Require().NoError(suite.h.HubWrite(conn, cmd, true), "hub write MUST succeed")

	writes := suite.stack.LastPeer().Writes()
	suite.Require().Len(writes, 1, "short write MUST be a single chunk")
	suite.Assert().Equal(btlink.ValueHandle(32), writes[0].Value, "write MUST target the hub handle")
	suite.Assert().Equal(cmd, writes[0].Data, "payload MUST pass through unchanged")
	suite.Assert().True(writes[0].WithResponse, "write mode MUST be preserved")
}

func (suite *HandlerTestSuite) TestDisconnectMonitor() {
	// GOAL: Verify a dropped link triggers callbacks and cleanup exactly as
	// the lifecycle requires: user callback, central callback, registry and
	// link context cleared
	//
	// TEST SCENARIO: Connect → peer drops the link → disconnect callbacks
	// fire → connection-scoped state is gone, discovery snapshot survives

	conn := suite.connectHub()
	cbs := suite.h.Callbacks()

	disconnected := make(chan struct{})
	cbs.OnDisconnect(conn, func() { close(disconnected) })

	centralGone := make(chan btlink.ConnHandle, 1)
	cbs.OnCentralDisconnect(func(c btlink.ConnHandle) { centralGone <- c })

	suite.stack.LastPeer().DropLink()

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		suite.FailNow("disconnect callback never fired")
	}
	select {
	case c := <-centralGone:
		suite.Assert().Equal(conn, c, "central disconnect MUST carry the dropped handle")
	case <-time.After(time.Second):
		suite.FailNow("central disconnect callback never fired")
	}

	helper := testutils.NewTestHelper(suite.T())
	helper.Eventually(func() bool {
		_, ok := suite.h.Link().Conn()
		return !ok
	}, time.Second, "connection handle MUST be cleared")

	suite.Assert().False(cbs.HasCallbacks(conn), "connection-scoped callbacks MUST be dropped")
	suite.Assert().Equal("Technic Hub", suite.h.Link().Name(), "discovery snapshot MUST survive the disconnect")
}

func (suite *HandlerTestSuite) TestNegotiateMTU() {
	// GOAL: Verify MTU negotiation delegates to the peer and unknown handles
	// are rejected
	//
	// TEST SCENARIO: Negotiate on a live link → peer's MTU returned →
	// negotiate on a bogus handle → error

	conn := suite.connectUART("robot")

	mtu, err := suite.h.NegotiateMTU(conn, 247)
	suite.Assert().NoError(err, "negotiation MUST succeed on a live link")
	suite.Assert().Equal(185, mtu, "peer's MTU MUST win when smaller than requested")

	_, err = suite.h.NegotiateMTU(conn+99, 247)
	suite.Assert().Error(err, "unknown handle MUST be rejected")
}

func (suite *HandlerTestSuite) TestScanResultCallbackAndSeenTable() {
	// GOAL: Verify the scan-result singleton observes raw traffic and the
	// seen-device table deduplicates by address
	//
	// TEST SCENARIO: Scan for a while → both fake devices repeatedly
	// advertise → callback sees traffic, table has exactly two entries

	seen := make(chan btlink.Advertisement, 64)
	suite.h.Callbacks().OnScanResult(func(adv btlink.Advertisement) {
		select {
		case seen <- adv:
		default:
		}
	})

	suite.h.Discovery().StartUARTDiscovery("ghost", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	suite.Require().NoError(suite.h.StartScan(ctx), "scan MUST start")
	suite.waitResolved()

	suite.Assert().NotEmpty(seen, "scan-result callback MUST observe advertisements")

	devices := suite.h.SeenDevices()
	suite.Require().Len(devices, 2, "seen table MUST deduplicate by address")
	testutils.NewJSONAsserter(suite.T()).AssertAdvertisements(devices, `[
		{"address": "AA:BB:CC:DD:EE:FF", "addr_type": "random", "name": "robot",
		 "services": ["6e400001b5a3f393e0a9e50e24dcca9e"], "rssi": -55},
		{"address": "11:22:33:44:55:66", "addr_type": "random", "name": "Technic Hub",
		 "services": ["1623"], "rssi": -60}
	]`)
}

func (suite *HandlerTestSuite) TestCharResultCallback() {
	// GOAL: Verify every discovered characteristic is reported through the
	// char-result singleton during resolution
	//
	// TEST SCENARIO: UART connect → RX and TX characteristics discovered →
	// callback sees both with their value handles

	type charEvent struct {
		value btlink.ValueHandle
		uuid  string
	}
	events := make(chan charEvent, 8)
	suite.h.Callbacks().OnCharResult(func(conn btlink.ConnHandle, value btlink.ValueHandle, uuid string) {
		events <- charEvent{value, uuid}
	})

	suite.connectUART("robot")

	suite.Require().Len(events, 2, "both characteristics MUST be reported")
	first := <-events
	second := <-events
	suite.Assert().Equal(handler.DefaultUARTRX, first.uuid, "RX MUST be reported first")
	suite.Assert().Equal(btlink.ValueHandle(12), first.value, "RX value handle MUST match")
	suite.Assert().Equal(handler.DefaultUARTTX, second.uuid, "TX MUST be reported second")
	suite.Assert().Equal(btlink.ValueHandle(14), second.value, "TX value handle MUST match")
}

func (suite *HandlerTestSuite) TestDiscoveryFailureLeavesLinkUnready() {
	// GOAL: Verify a failure during service discovery aborts resolution
	// without leaving a half-usable link behind
	//
	// TEST SCENARIO: Peripheral rejects discovery → session resolves →
	// link unready, no live peer

	suite.uartDevice.FailDiscovery = true

	suite.h.Discovery().StartUARTDiscovery("robot", nil, nil)
	suite.Require().NoError(suite.h.StartScan(context.Background()), "scan MUST start")
	suite.waitResolved()

	suite.Assert().False(suite.h.Link().IsUARTReady(), "link MUST stay unready after discovery failure")
	suite.Assert().Equal(link.StateIdle, suite.h.Link().State(), "state MUST return to idle")
}

func (suite *HandlerTestSuite) TestDebugDump() {
	// GOAL: Verify the status dump covers the link context, discovery mode
	// and seen devices
	//
	// TEST SCENARIO: Connect to UART device → dump → context line, peer
	// count and the device's address all present

	suite.connectUART("robot")

	dump := suite.h.DebugDump()

	// The first three lines are deterministic after a connect; the event
	// log below them carries wall-clock timestamps.
	head := strings.Join(strings.SplitN(dump, "\n", 4)[:3], "\n")
	testutils.NewTextAsserter(suite.T()).
		WithOptions(testutils.WithIgnoreTrailingWhitespace(true)).
		Assert(head,
			`Context(conn=1, uart=READY, hub=pending, state=connected, name="")`+"\n"+
				`discovery: mode=none search="robot"`+"\n"+
				`peers: 1, scanning: false`)

	suite.Assert().Contains(dump, "AA:BB:CC:DD:EE:FF", "dump MUST list seen devices")
	suite.Assert().Contains(dump, "recent events:", "dump MUST include the event log")
}

func (suite *HandlerTestSuite) TestStartScanTwiceFails() {
	// GOAL: Verify overlapping scans are rejected
	//
	// TEST SCENARIO: Start scan → second start before the first ends → error

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	suite.Require().NoError(suite.h.StartScan(ctx), "first scan MUST start")
	suite.Assert().Error(suite.h.StartScan(ctx), "second scan MUST be rejected")
}
