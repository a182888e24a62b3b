package device

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// sigBaseSuffix is the Bluetooth SIG base UUID tail (0000xxxx-0000-1000-8000-00805f9b34fb)
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Strips a 0x prefix ("0x2902" -> "2902") and shortens UUIDs in Bluetooth SIG base
// form to their 16-bit form.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// ValidateUUID validates that UUID strings are non-empty, hexadecimal and 16, 32 or 128 bits wide.
// Returns the normalized UUIDs.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if strings.TrimSpace(uuid) == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		switch len(normalized) {
		case 4, 8, 32:
		default:
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		if _, err := hex.DecodeString(normalized); err != nil {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// ValidateAddress checks that address is a well-formed device identifier and returns its canonical form.
// Accepted forms are a 48-bit MAC ("AA:BB:CC:DD:EE:FF", returned upper-case) and a
// 128-bit platform identifier as CoreBluetooth reports it (returned lower-case, dashed).
func ValidateAddress(address string) (string, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", &OperationError{Reason: InvalidAddress, Msg: "device address is empty"}
	}

	if hw, err := net.ParseMAC(addr); err == nil && len(hw) == 6 && strings.Count(addr, ":") == 5 {
		return strings.ToUpper(hw.String()), nil
	}

	raw := strings.ReplaceAll(strings.ToLower(addr), "-", "")
	if len(raw) == 32 && strings.Count(addr, "-") == 4 {
		if _, err := hex.DecodeString(raw); err == nil {
			return strings.ToLower(addr), nil
		}
	}

	return "", &OperationError{Reason: InvalidAddress, Msg: fmt.Sprintf("%q is not a device address", address)}
}
