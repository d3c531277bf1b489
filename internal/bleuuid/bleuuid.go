// Package bleuuid normalizes and validates BLE UUID strings.
//
// All comparisons in the discovery and GATT layers go through the normalized
// form: lowercase, no dashes, with SIG base UUIDs collapsed to their 16-bit
// short form.
package bleuuid

import (
	"fmt"
	"strings"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb in normalized (dashless) form.
const sigBaseSuffix = "00001000800000805f9b34fb"

// Normalize converts a UUID string to the internal format (lowercase, no
// dashes). Strips a 0x prefix if present (e.g. "0x2902" -> "2902"). Full
// 128-bit UUIDs in the SIG base format are collapsed to their 16-bit short
// form. Returns an empty string for input that cannot be a UUID.
func Normalize(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	for _, r := range u {
		if !isHex(r) {
			return ""
		}
	}

	switch len(u) {
	case 4, 8:
		return u
	case 32:
		if strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
			return u[4:8]
		}
		return u
	default:
		return ""
	}
}

// NormalizeAll normalizes a slice of UUID strings. Entries that fail to
// normalize are kept as empty strings so indexes line up with the input.
func NormalizeAll(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = Normalize(u)
	}
	return out
}

// Equal reports whether two UUID strings denote the same UUID after
// normalization.
func Equal(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// Contains reports whether the normalized list contains the given UUID.
func Contains(uuids []string, uuid string) bool {
	target := Normalize(uuid)
	if target == "" {
		return false
	}
	for _, u := range uuids {
		if Normalize(u) == target {
			return true
		}
	}
	return false
}

// Shorten truncates a UUID for display. Long UUIDs are cut to their first
// eight characters; short UUIDs pass through unchanged.
func Shorten(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// Validate checks that every UUID string is non-empty and well-formed and
// returns the normalized forms.
func Validate(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := Normalize(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}
