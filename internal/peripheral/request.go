package peripheral

import (
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
)

// Request is one enqueued GATT operation. Its fields are owned by the
// peripheral lock once the request has been enqueued.
type Request struct {
	ID           adapter.OpID
	Kind         device.Kind
	Target       device.Target
	Payload      []byte
	WithResponse bool
	MTU          int
	Priority     device.Priority
	EnqueuedAt   time.Time
	Timeout      time.Duration

	// complete resolves the caller's typed future
	complete func(c adapter.Completion)
	// onSuccess runs under the peripheral lock right before a successful resolution
	onSuccess func(c adapter.Completion)

	resolved bool
	timer    *time.Timer
	elem     *list.Element[*Request]
}

// RequestOption customizes a single request
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout    time.Duration
	hasTimeout bool
}

// WithTimeout overrides the configured request timeout. Zero disables the deadline.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}

// ConnectOption customizes a connect attempt
type ConnectOption func(*connectOptions)

type connectOptions struct {
	timeout    time.Duration
	hasTimeout bool
}

// WithConnectTimeout overrides the configured connect timeout. Zero waits indefinitely.
func WithConnectTimeout(d time.Duration) ConnectOption {
	return func(o *connectOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}

// matches reports whether a completion belongs to this request.
// Completions without an id fall back to (kind, target) identity; see adapter.Completion.
func (r *Request) matches(c adapter.Completion) bool {
	if c.ID != 0 {
		return c.ID == r.ID
	}
	return c.Kind == r.Kind && (!r.Kind.HasTarget() || c.Target == r.Target)
}

// Age reports how long the request has been queued
func (r *Request) Age() time.Duration {
	return time.Since(r.EnqueuedAt)
}
