package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/handler"
	"github.com/srg/btlink/internal/bleuuid"
)

// FakePeripheral describes one simulated device visible during a scan.
type FakePeripheral struct {
	Adv btlink.Advertisement

	// GATT layout reported after connecting.
	ServiceUUID  string
	ServiceStart btlink.ValueHandle
	ServiceEnd   btlink.ValueHandle
	Chars        []handler.Characteristic

	// MTU returned by ExchangeMTU; zero makes the exchange fail.
	MTU int

	// Failure injection.
	FailConnect   bool
	FailDiscovery bool
	FailSubscribe bool
	WriteErr      error
}

// NewUARTPeripheral builds a peripheral advertising the Nordic UART service
// with RX at handle 12 and TX at handle 14.
func NewUARTPeripheral(name, address string) *FakePeripheral {
	addr, err := btlink.ParseAddr(address)
	if err != nil {
		panic(fmt.Sprintf("testutils: bad address %q: %v", address, err))
	}
	return &FakePeripheral{
		Adv: btlink.Advertisement{
			AddrType: btlink.AddrRandom,
			Addr:     addr,
			Name:     name,
			Services: []string{handler.DefaultUARTService},
			RSSI:     -55,
		},
		ServiceUUID:  handler.DefaultUARTService,
		ServiceStart: 10,
		ServiceEnd:   20,
		Chars: []handler.Characteristic{
			{UUID: handler.DefaultUARTRX, Handle: 11, Value: 12},
			{UUID: handler.DefaultUARTTX, Handle: 13, Value: 14},
		},
		MTU: 185,
	}
}

// NewHubPeripheral builds a peripheral advertising the LEGO hub service with
// the hub characteristic at handle 32.
func NewHubPeripheral(name, address string) *FakePeripheral {
	addr, err := btlink.ParseAddr(address)
	if err != nil {
		panic(fmt.Sprintf("testutils: bad address %q: %v", address, err))
	}
	return &FakePeripheral{
		Adv: btlink.Advertisement{
			AddrType: btlink.AddrRandom,
			Addr:     addr,
			Type:     0,
			Name:     name,
			Services: []string{handler.DefaultHubService},
			RSSI:     -60,
		},
		ServiceUUID:  handler.DefaultHubService,
		ServiceStart: 30,
		ServiceEnd:   40,
		Chars: []handler.Characteristic{
			{UUID: handler.DefaultHubChar, Handle: 31, Value: 32},
		},
	}
}

// FakeStack implements handler.Stack against an in-memory set of
// peripherals. Scanning re-advertises every peripheral on a short interval
// until the scan context is cancelled.
type FakeStack struct {
	// AdvertiseInterval is the delay between advertisement rounds.
	AdvertiseInterval time.Duration

	mu          sync.Mutex
	peripherals []*FakePeripheral
	peers       []*FakePeer
	scans       int
}

// NewFakeStack creates a stack advertising the given peripherals.
func NewFakeStack(peripherals ...*FakePeripheral) *FakeStack {
	return &FakeStack{
		AdvertiseInterval: 2 * time.Millisecond,
		peripherals:       peripherals,
	}
}

// AddPeripheral makes another peripheral visible to subsequent scan rounds.
func (s *FakeStack) AddPeripheral(p *FakePeripheral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peripherals = append(s.peripherals, p)
}

// ScanCount reports how many scans have been started.
func (s *FakeStack) ScanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

// LastPeer returns the most recently connected peer, or nil.
func (s *FakeStack) LastPeer() *FakePeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peers) == 0 {
		return nil
	}
	return s.peers[len(s.peers)-1]
}

// Scan delivers each peripheral's advertisement once per interval until ctx
// is cancelled.
func (s *FakeStack) Scan(ctx context.Context, _ bool, h func(btlink.Advertisement)) error {
	s.mu.Lock()
	s.scans++
	s.mu.Unlock()

	ticker := time.NewTicker(s.AdvertiseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			round := append([]*FakePeripheral(nil), s.peripherals...)
			s.mu.Unlock()
			for _, p := range round {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				h(p.Adv)
			}
		}
	}
}

// Connect dials the peripheral whose formatted address matches addr.
func (s *FakeStack) Connect(_ context.Context, addr string) (handler.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.peripherals {
		if p.Adv.AddrString() != addr {
			continue
		}
		if p.FailConnect {
			return nil, fmt.Errorf("connection refused by %s", addr)
		}
		peer := newFakePeer(p)
		s.peers = append(s.peers, peer)
		return peer, nil
	}
	return nil, fmt.Errorf("no peripheral at %s", addr)
}

// WriteRecord captures one write delivered to a fake peer.
type WriteRecord struct {
	Value        btlink.ValueHandle
	Data         []byte
	WithResponse bool
}

// FakePeer is a connected FakePeripheral.
type FakePeer struct {
	p *FakePeripheral

	mu        sync.Mutex
	writes    []WriteRecord
	notifyFns map[btlink.ValueHandle]func([]byte)

	disconnected chan struct{}
	closeOnce    sync.Once
}

func newFakePeer(p *FakePeripheral) *FakePeer {
	return &FakePeer{
		p:            p,
		notifyFns:    make(map[btlink.ValueHandle]func([]byte)),
		disconnected: make(chan struct{}),
	}
}

func (fp *FakePeer) Address() string {
	return fp.p.Adv.AddrString()
}

func (fp *FakePeer) DiscoverService(uuid string) (btlink.ValueHandle, btlink.ValueHandle, error) {
	if fp.p.FailDiscovery {
		return 0, 0, fmt.Errorf("discovery failure injected")
	}
	if !bleuuid.Equal(uuid, fp.p.ServiceUUID) {
		return 0, 0, fmt.Errorf("service %q not found", uuid)
	}
	return fp.p.ServiceStart, fp.p.ServiceEnd, nil
}

func (fp *FakePeer) DiscoverCharacteristics(start, end btlink.ValueHandle) ([]handler.Characteristic, error) {
	if fp.p.FailDiscovery {
		return nil, fmt.Errorf("discovery failure injected")
	}
	if start != fp.p.ServiceStart || end != fp.p.ServiceEnd {
		return nil, fmt.Errorf("no discovered service spans handles %d..%d", start, end)
	}
	return append([]handler.Characteristic(nil), fp.p.Chars...), nil
}

func (fp *FakePeer) Write(value btlink.ValueHandle, data []byte, withResponse bool) error {
	if fp.p.WriteErr != nil {
		return fp.p.WriteErr
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.writes = append(fp.writes, WriteRecord{
		Value:        value,
		Data:         append([]byte(nil), data...),
		WithResponse: withResponse,
	})
	return nil
}

func (fp *FakePeer) Subscribe(value btlink.ValueHandle, fn func(data []byte)) error {
	if fp.p.FailSubscribe {
		return fmt.Errorf("subscribe failure injected")
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.notifyFns[value] = fn
	return nil
}

func (fp *FakePeer) ExchangeMTU(requested int) (int, error) {
	if fp.p.MTU <= 0 {
		return 0, fmt.Errorf("mtu exchange not supported")
	}
	if requested < fp.p.MTU {
		return requested, nil
	}
	return fp.p.MTU, nil
}

func (fp *FakePeer) Disconnected() <-chan struct{} {
	return fp.disconnected
}

func (fp *FakePeer) Disconnect() error {
	fp.closeOnce.Do(func() { close(fp.disconnected) })
	return nil
}

// DropLink simulates a peer-initiated disconnect.
func (fp *FakePeer) DropLink() {
	fp.closeOnce.Do(func() { close(fp.disconnected) })
}

// Notify pushes a notification from the peripheral to its subscriber.
// Returns false if nothing is subscribed on the handle.
func (fp *FakePeer) Notify(value btlink.ValueHandle, data []byte) bool {
	fp.mu.Lock()
	fn := fp.notifyFns[value]
	fp.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(data)
	return true
}

// Writes returns a copy of the recorded writes.
func (fp *FakePeer) Writes() []WriteRecord {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]WriteRecord(nil), fp.writes...)
}
