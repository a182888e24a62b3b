// Package adapter defines the contract between a peripheral's operation queue
// and the platform BLE stack that actually talks to the device.
//
// Every Transport method is non-blocking. Its outcome arrives later, on an
// arbitrary goroutine, through the EventHandler the transport was created with.
package adapter

import (
	"github.com/srg/gattq/internal/device"
)

// OpID identifies a dispatched request. Zero means "no id".
type OpID uint64

// Transport is the asynchronous connection object of one peripheral.
//
// Implementations MUST NOT block and MUST NOT invoke the EventHandler before
// returning; callers hold the peripheral lock while dispatching. A non-nil
// return value means the operation was never started and no completion will follow.
type Transport interface {
	Connect(address string) error
	Disconnect() error
	DiscoverServices() error

	ReadCharacteristic(id OpID, target device.Target) error
	WriteCharacteristic(id OpID, target device.Target, data []byte, withResponse bool) error
	ReadDescriptor(id OpID, target device.Target) error
	WriteDescriptor(id OpID, target device.Target, data []byte) error
	SetNotify(id OpID, target device.Target, enable bool) error
	ReadRSSI(id OpID) error
	RequestMTU(id OpID, mtu int) error
	RequestConnectionPriority(id OpID, priority device.Priority) error
}

// ConnectionEventType enumerates link level events
type ConnectionEventType int

const (
	// LinkUp reports a successful connect
	LinkUp ConnectionEventType = iota
	// LinkFailed reports a connect attempt that never came up
	LinkFailed
	// LinkDown reports loss of an established link, peer or locally initiated
	LinkDown
	// ServicesDiscovered reports the outcome of DiscoverServices; Err is set on failure
	ServicesDiscovered
)

func (t ConnectionEventType) String() string {
	switch t {
	case LinkUp:
		return "link_up"
	case LinkFailed:
		return "link_failed"
	case LinkDown:
		return "link_down"
	case ServicesDiscovered:
		return "services_discovered"
	default:
		return "unknown"
	}
}

// ConnectionEvent is a link level notification from the transport
type ConnectionEvent struct {
	Type ConnectionEventType
	Err  error
}

// Completion reports the outcome of one dispatched operation.
//
// Correlation: transports SHOULD echo the OpID they were given. A transport
// that cannot (Android's BluetoothGattCallback, for one, reports only the
// characteristic) sets ID to zero, and the queue then matches the completion
// against its in-flight request by (Kind, Target). That identity match is only
// sound because the queue never has more than one request in flight per
// peripheral; on a platform where a late completion for a timed-out request can
// arrive after a request with the same identity was dispatched, echo the OpID.
type Completion struct {
	ID     OpID
	Kind   device.Kind
	Target device.Target

	Value []byte // Read, ReadDescriptor
	Int   int    // ReadRSSI (dBm), RequestMtu (negotiated MTU)
	Err   error
}

// EventHandler receives everything a transport reports. Peripherals implement it.
type EventHandler interface {
	HandleConnectionEvent(ev ConnectionEvent)
	HandleCompletion(c Completion)
	HandleNotification(target device.Target, data []byte)
}

// Dialer creates the transport for one peripheral, bound to its event handler
type Dialer interface {
	NewTransport(address string, handler EventHandler) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(address string, handler EventHandler) (Transport, error)

// NewTransport calls f(address, handler)
func (f DialerFunc) NewTransport(address string, handler EventHandler) (Transport, error) {
	return f(address, handler)
}
