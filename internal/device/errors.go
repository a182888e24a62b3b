package device

import (
	"errors"
	"fmt"
	"strings"
)

// Reason identifies why a request or connection attempt failed
type Reason string

const (
	NotConnected           Reason = "not_connected"
	InvalidAddress         Reason = "invalid_address"
	ServiceDiscoveryFailed Reason = "service_discovery_failed"
	Timeout                Reason = "timeout"
	Cancelled              Reason = "cancelled"
	ReasonDisconnected     Reason = "disconnected"
	TransportFailure       Reason = "transport_failure"
	AlreadyInFlight        Reason = "already_in_flight"
	InvalidArgument        Reason = "invalid_argument"
)

// OperationError is the single error type surfaced through request and connection futures.
// Code carries the platform status for TransportFailure (0 when unknown).
type OperationError struct {
	Reason Reason
	Code   int
	Msg    string
	Err    error
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString(string(e.Reason))
	if e.Reason == TransportFailure && e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying transport error, if any
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare OperationError values by Reason
func (e *OperationError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*OperationError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// Predefined sentinel errors, one per Reason
var (
	ErrNotConnected           = &OperationError{Reason: NotConnected}
	ErrInvalidAddress         = &OperationError{Reason: InvalidAddress}
	ErrServiceDiscoveryFailed = &OperationError{Reason: ServiceDiscoveryFailed}
	ErrTimeout                = &OperationError{Reason: Timeout}
	ErrCancelled              = &OperationError{Reason: Cancelled}
	ErrDisconnected           = &OperationError{Reason: ReasonDisconnected}
	ErrTransportFailure       = &OperationError{Reason: TransportFailure}
	ErrAlreadyInFlight        = &OperationError{Reason: AlreadyInFlight}
	ErrInvalidArgument        = &OperationError{Reason: InvalidArgument}
)

// ErrUnsupported marks transport operations the platform cannot perform
var ErrUnsupported = errors.New("unsupported")

// NewError builds an OperationError with a formatted message.
func NewError(reason Reason, format string, args ...interface{}) error {
	return &OperationError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// NewTransportFailure wraps an adapter error, preserving its chain.
// An error that already carries a Reason is returned unchanged.
func NewTransportFailure(code int, err error) error {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return err
	}
	return &OperationError{Reason: TransportFailure, Code: code, Err: err}
}

// ReasonOf reports the Reason carried by err, or "" when err is not an OperationError
func ReasonOf(err error) Reason {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Reason
	}
	return ""
}

// IsCancellation reports whether err is one of the purge-class reasons
// (Cancelled, ReasonDisconnected or ServiceDiscoveryFailed).
func IsCancellation(err error) bool {
	switch ReasonOf(err) {
	case Cancelled, ReasonDisconnected, ServiceDiscoveryFailed:
		return true
	default:
		return false
	}
}
