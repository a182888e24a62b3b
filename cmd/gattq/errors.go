package main

import (
	"errors"
	"fmt"

	"github.com/srg/gattq/internal/adapter/goble"
	"github.com/srg/gattq/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was still running
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns a failure into one line of advice for the terminal.
// Errors outside the operation taxonomy are printed as they are.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, goble.ErrBluetoothOff) {
		return "Bluetooth is turned off or unavailable; enable it and retry"
	}
	if errors.Is(err, device.ErrUnsupported) {
		return fmt.Sprintf("not supported on this platform (%v)", err)
	}
	if errors.Is(err, ErrConnectionLost) {
		return "the device disconnected before the command finished"
	}

	var opErr *device.OperationError
	if !errors.As(err, &opErr) {
		return err.Error()
	}

	switch opErr.Reason {
	case device.InvalidAddress:
		return fmt.Sprintf("invalid device address: %v", err)
	case device.InvalidArgument:
		return fmt.Sprintf("invalid argument: %v", err)
	case device.NotConnected:
		return "the device is not connected"
	case device.Timeout:
		return fmt.Sprintf("timed out (%v); the device may be out of range, try a longer timeout", err)
	case device.ServiceDiscoveryFailed:
		return fmt.Sprintf("connected, but service discovery failed: %v", err)
	case device.ReasonDisconnected:
		return "the device disconnected before the command finished"
	case device.Cancelled:
		return "cancelled"
	case device.TransportFailure:
		if opErr.Code != 0 {
			return fmt.Sprintf("the device rejected the request (ATT error 0x%02x): %v", opErr.Code, err)
		}
		return fmt.Sprintf("Bluetooth transport error: %v", err)
	default:
		return err.Error()
	}
}
