package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/gattq/internal/device"
)

// ErrBluetoothOff reports a powered off or unavailable adapter
var ErrBluetoothOff = errors.New("bluetooth is turned off")

// NormalizeError maps known go-ble error strings onto the operation error taxonomy.
// It ensures consistent handling even if the upstream library changes messages slightly.
// The original error stays in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var opErr *device.OperationError
	if errors.As(err, &opErr) {
		return err
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?",
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"):
		return &device.OperationError{Reason: device.TransportFailure, Err: fmt.Errorf("%w: %w", ErrBluetoothOff, err)}
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "connection is not initialized"):
		return &device.OperationError{Reason: device.NotConnected, Err: err}
	case containsIgnoreCase(msg, "disconnected"):
		return &device.OperationError{Reason: device.ReasonDisconnected, Err: err}
	case containsIgnoreCase(msg, "context deadline exceeded"),
		containsIgnoreCase(msg, "timed out"):
		return &device.OperationError{Reason: device.Timeout, Err: err}
	case containsIgnoreCase(msg, "context canceled"):
		return &device.OperationError{Reason: device.Cancelled, Err: err}
	default:
		return &device.OperationError{Reason: device.TransportFailure, Code: attErrorCode(err), Err: err}
	}
}

// attErrorCode extracts the ATT error code from a go-ble ATT error, 0 if there is none
func attErrorCode(err error) int {
	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		return int(attErr)
	}
	return 0
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
