package handler

import (
	"context"
	"fmt"
	"sync"

	ble "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/internal/bleuuid"
)

// BLEStack implements Stack on top of go-ble.
type BLEStack struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device

	// addrCache maps the formatted address back to the ble.Addr observed
	// during scanning. On Darwin peer identifiers are CoreBluetooth UUIDs,
	// not MAC addresses, so dialing must reuse the original Addr value.
	addrCache map[string]ble.Addr
}

// NewBLEStack creates a go-ble backed stack. The underlying radio device is
// created lazily on first use.
func NewBLEStack(logger *logrus.Logger) *BLEStack {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLEStack{
		logger:    logger,
		addrCache: make(map[string]ble.Addr),
	}
}

func (s *BLEStack) device() (ble.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return s.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	s.dev = dev
	return dev, nil
}

// Scan runs radio scanning until ctx is cancelled, converting each raw
// advertisement into the shared snapshot form.
func (s *BLEStack) Scan(ctx context.Context, allowDup bool, h func(btlink.Advertisement)) error {
	dev, err := s.device()
	if err != nil {
		return err
	}
	return dev.Scan(ctx, allowDup, func(a ble.Advertisement) {
		adv := s.convertAdvertisement(a)
		s.mu.Lock()
		s.addrCache[adv.AddrString()] = a.Addr()
		s.mu.Unlock()
		h(adv)
	})
}

func (s *BLEStack) convertAdvertisement(a ble.Advertisement) btlink.Advertisement {
	raw := a.Addr().String()
	addr, err := btlink.ParseAddr(raw)
	if err != nil {
		// Darwin identifier, not a MAC. Carry the identifier bytes; dialing
		// goes through addrCache.
		addr = []byte(raw)
	}

	services := make([]string, 0, len(a.Services()))
	for _, u := range a.Services() {
		services = append(services, bleuuid.Normalize(u.String()))
	}

	advType := 0
	if !a.Connectable() {
		advType = 3 // ADV_NONCONN_IND
	}

	return btlink.Advertisement{
		// ble.Advertisement does not expose the address type, so public is
		// reported even for random-address peers. Dialing is unaffected:
		// the addrCache carries the stack's own Addr value.
		AddrType: btlink.AddrPublic,
		Addr:     addr,
		Type:     advType,
		Name:     a.LocalName(),
		Services: services,
		RSSI:     a.RSSI(),
	}
}

// Connect dials the peer with the given formatted address.
func (s *BLEStack) Connect(ctx context.Context, addr string) (Peer, error) {
	dev, err := s.device()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	target, ok := s.addrCache[addr]
	s.mu.Unlock()
	if !ok {
		target = ble.NewAddr(addr)
	}

	client, err := dev.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", addr, err)
	}
	return &blePeer{client: client, logger: s.logger}, nil
}

// blePeer wraps a live ble.Client. The full GATT profile is discovered once
// on first use and cached; writes are serialized because go-ble clients do
// not tolerate concurrent ATT requests.
type blePeer struct {
	client ble.Client
	logger *logrus.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	profile *ble.Profile
	chars   map[btlink.ValueHandle]*ble.Characteristic
}

func (p *blePeer) Address() string {
	return p.client.Addr().String()
}

func (p *blePeer) ensureProfile() (*ble.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.profile != nil {
		return p.profile, nil
	}

	prof, err := p.client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	p.profile = prof
	p.chars = make(map[btlink.ValueHandle]*ble.Characteristic)
	for _, svc := range prof.Services {
		for _, c := range svc.Characteristics {
			p.chars[btlink.ValueHandle(c.ValueHandle)] = c
		}
	}
	return prof, nil
}

func (p *blePeer) DiscoverService(uuid string) (start, end btlink.ValueHandle, err error) {
	prof, err := p.ensureProfile()
	if err != nil {
		return 0, 0, err
	}
	for _, svc := range prof.Services {
		if bleuuid.Equal(svc.UUID.String(), uuid) {
			return btlink.ValueHandle(svc.Handle), btlink.ValueHandle(svc.EndHandle), nil
		}
	}
	return 0, 0, fmt.Errorf("service %q not found", uuid)
}

func (p *blePeer) DiscoverCharacteristics(start, end btlink.ValueHandle) ([]Characteristic, error) {
	prof, err := p.ensureProfile()
	if err != nil {
		return nil, err
	}

	var out []Characteristic
	for _, svc := range prof.Services {
		if btlink.ValueHandle(svc.Handle) != start || btlink.ValueHandle(svc.EndHandle) != end {
			continue
		}
		for _, c := range svc.Characteristics {
			out = append(out, Characteristic{
				UUID:   bleuuid.Normalize(c.UUID.String()),
				Handle: btlink.ValueHandle(c.Handle),
				Value:  btlink.ValueHandle(c.ValueHandle),
			})
		}
		return out, nil
	}
	return nil, fmt.Errorf("no discovered service spans handles %d..%d", start, end)
}

func (p *blePeer) lookup(value btlink.ValueHandle) (*ble.Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chars[value]
	if !ok {
		return nil, fmt.Errorf("no characteristic with value handle %d", value)
	}
	return c, nil
}

func (p *blePeer) Write(value btlink.ValueHandle, data []byte, withResponse bool) error {
	c, err := p.lookup(value)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.client.WriteCharacteristic(c, data, !withResponse)
}

func (p *blePeer) Subscribe(value btlink.ValueHandle, fn func(data []byte)) error {
	c, err := p.lookup(value)
	if err != nil {
		return err
	}
	return p.client.Subscribe(c, false, func(data []byte) {
		fn(data)
	})
}

func (p *blePeer) ExchangeMTU(requested int) (int, error) {
	return p.client.ExchangeMTU(requested)
}

func (p *blePeer) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}

func (p *blePeer) Disconnect() error {
	return p.client.CancelConnection()
}
