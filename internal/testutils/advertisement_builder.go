package testutils

import (
	"encoding/json"
	"fmt"

	btlink "github.com/srg/btlink"
	"github.com/srg/btlink/internal/bleuuid"
)

// AdvertisementBuilder builds advertisement snapshots for testing with a
// fluent API. UUIDs are normalized on build so tests can use any accepted
// form (dashed, 0x-prefixed, short).
type AdvertisementBuilder struct {
	addrType btlink.AddrType
	address  string
	advType  int
	name     string
	services []string
	rssi     int
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement
// from a random address.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		addrType: btlink.AddrRandom,
		rssi:     -50,
	}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the device address, in "AA:BB:CC:DD:EE:FF" form.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithAddrType sets the address type.
func (b *AdvertisementBuilder) WithAddrType(t btlink.AddrType) *AdvertisementBuilder {
	b.addrType = t
	return b
}

// WithType sets the advertisement PDU type.
func (b *AdvertisementBuilder) WithType(t int) *AdvertisementBuilder {
	b.advType = t
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

// advertisementSpec mirrors the JSON shape accepted by FromJSON.
type advertisementSpec struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	AddrType string   `json:"addr_type"`
	Type     int      `json:"type"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services"`
}

// FromJSON configures the builder from a JSON document, with fmt-style
// arguments applied to the format string first. Panics on malformed JSON so
// broken fixtures fail loudly at definition site.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	doc := fmt.Sprintf(jsonStrFmt, args...)

	var spec advertisementSpec
	if err := json.Unmarshal([]byte(doc), &spec); err != nil {
		panic(fmt.Sprintf("testutils: invalid advertisement JSON: %v\n%s", err, doc))
	}

	if spec.Name != "" {
		b.name = spec.Name
	}
	if spec.Address != "" {
		b.address = spec.Address
	}
	if spec.AddrType == "public" {
		b.addrType = btlink.AddrPublic
	}
	if spec.Type != 0 {
		b.advType = spec.Type
	}
	if spec.RSSI != 0 {
		b.rssi = spec.RSSI
	}
	if len(spec.Services) > 0 {
		b.services = append(b.services, spec.Services...)
	}
	return b
}

// Build assembles the advertisement snapshot. Panics on an unparseable
// address.
func (b *AdvertisementBuilder) Build() btlink.Advertisement {
	var addr []byte
	if b.address != "" {
		parsed, err := btlink.ParseAddr(b.address)
		if err != nil {
			panic(fmt.Sprintf("testutils: bad address %q: %v", b.address, err))
		}
		addr = parsed
	}

	return btlink.Advertisement{
		AddrType: b.addrType,
		Addr:     addr,
		Type:     b.advType,
		Name:     b.name,
		Services: bleuuid.NormalizeAll(b.services),
		RSSI:     b.rssi,
	}
}
