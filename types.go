// Package btlink manages the lifecycle of BLE central connections to
// UART-style serial peripherals and LEGO-compatible smart hubs.
//
// The root package holds the scalar types shared by every layer: stack-assigned
// handles, addresses, and the advertisement snapshot delivered during scanning.
// The moving parts live in the subpackages: registry (event callbacks), link
// (connection state), discovery (scan matching), uart and hub (connection
// managers), and handler (the event-driven orchestrator wiring them to the
// radio).
package btlink

import (
	"fmt"
	"strings"
)

// ConnHandle identifies an established BLE link. It is assigned by the stack,
// unique while the link is up, and may be reused after disconnect.
type ConnHandle uint16

// ValueHandle identifies a GATT attribute within a connected peer's attribute
// table. It is meaningful only in combination with a ConnHandle.
type ValueHandle uint16

// AddrType distinguishes public from random BLE device addresses.
type AddrType uint8

const (
	AddrPublic AddrType = 0
	AddrRandom AddrType = 1
)

func (t AddrType) String() string {
	switch t {
	case AddrPublic:
		return "public"
	case AddrRandom:
		return "random"
	default:
		return fmt.Sprintf("addr_type(%d)", uint8(t))
	}
}

// Advertisement is a snapshot of a single observed advertisement.
// Services carries normalized UUID strings (lowercase, no dashes).
type Advertisement struct {
	AddrType AddrType
	Addr     []byte
	Type     int
	Name     string
	Services []string
	RSSI     int
}

// AddrString renders the address in the conventional colon-separated form.
func (a Advertisement) AddrString() string {
	return FormatAddr(a.Addr)
}

// FormatAddr renders a raw BLE address as "AA:BB:CC:DD:EE:FF".
// Returns an empty string for a nil or empty address.
func FormatAddr(addr []byte) string {
	if len(addr) == 0 {
		return ""
	}
	parts := make([]string, len(addr))
	for i, b := range addr {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// ParseAddr parses "AA:BB:CC:DD:EE:FF" (case-insensitive, '-' also accepted
// as separator) into raw address bytes.
func ParseAddr(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty address")
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' })
	addr := make([]byte, len(parts))
	for i, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil || len(p) != 2 {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		addr[i] = b
	}
	return addr, nil
}
