package device

import (
	"fmt"
	"strings"
)

// Kind is the GATT operation a request performs
type Kind int

const (
	Read Kind = iota
	Write
	ReadDescriptor
	WriteDescriptor
	SubscribeNotify
	UnsubscribeNotify
	ReadRSSI
	RequestMtu
	RequestConnectionPriority
)

var kindNames = [...]string{
	Read:                      "read",
	Write:                     "write",
	ReadDescriptor:            "read_descriptor",
	WriteDescriptor:           "write_descriptor",
	SubscribeNotify:           "subscribe",
	UnsubscribeNotify:         "unsubscribe",
	ReadRSSI:                  "read_rssi",
	RequestMtu:                "request_mtu",
	RequestConnectionPriority: "request_connection_priority",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// HasTarget reports whether requests of this kind address a characteristic
func (k Kind) HasTarget() bool {
	switch k {
	case ReadRSSI, RequestMtu, RequestConnectionPriority:
		return false
	default:
		return true
	}
}

// Target addresses a characteristic (and optionally one of its descriptors).
// All UUIDs are stored normalized, so Target is usable as a map key.
type Target struct {
	Service        string
	Characteristic string
	Descriptor     string
}

// NewTarget validates and normalizes the given UUIDs.
// The descriptor UUID is optional.
func NewTarget(service, characteristic string, descriptor ...string) (Target, error) {
	uuids := []string{service, characteristic}
	if len(descriptor) > 0 && descriptor[0] != "" {
		uuids = append(uuids, descriptor[0])
	}

	normalized, err := ValidateUUID(uuids...)
	if err != nil {
		return Target{}, &OperationError{Reason: InvalidArgument, Err: err}
	}

	t := Target{Service: normalized[0], Characteristic: normalized[1]}
	if len(normalized) == 3 {
		t.Descriptor = normalized[2]
	}
	return t, nil
}

// IsZero reports whether the target is unset (RSSI, MTU and priority requests)
func (t Target) IsZero() bool {
	return t == Target{}
}

func (t Target) String() string {
	if t.IsZero() {
		return "-"
	}
	s := t.Service + "/" + t.Characteristic
	if t.Descriptor != "" {
		s += "/" + t.Descriptor
	}
	return s
}

// Priority is a connection interval preference
type Priority int

const (
	PriorityBalanced Priority = iota
	PriorityHigh
	PriorityLowPower
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLowPower:
		return "low"
	default:
		return "balanced"
	}
}

// ParsePriority accepts "balanced", "high" and "low" (case-insensitive)
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "balanced":
		return PriorityBalanced, nil
	case "high":
		return PriorityHigh, nil
	case "low", "low_power", "lowpower":
		return PriorityLowPower, nil
	default:
		return PriorityBalanced, NewError(InvalidArgument, "unknown connection priority %q (must be balanced, high or low)", s)
	}
}
