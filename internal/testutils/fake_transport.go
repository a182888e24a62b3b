package testutils

import (
	"sync"
	"time"

	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
)

// Transport method names recorded in Call.Method
const (
	MethodConnect                   = "Connect"
	MethodDisconnect                = "Disconnect"
	MethodDiscoverServices          = "DiscoverServices"
	MethodReadCharacteristic        = "ReadCharacteristic"
	MethodWriteCharacteristic       = "WriteCharacteristic"
	MethodReadDescriptor            = "ReadDescriptor"
	MethodWriteDescriptor           = "WriteDescriptor"
	MethodSetNotify                 = "SetNotify"
	MethodReadRSSI                  = "ReadRSSI"
	MethodRequestMTU                = "RequestMTU"
	MethodRequestConnectionPriority = "RequestConnectionPriority"
)

// Call is one recorded Transport invocation
type Call struct {
	Method       string
	ID           adapter.OpID
	Kind         device.Kind
	Target       device.Target
	Data         []byte
	WithResponse bool
	Enable       bool
	MTU          int
	Priority     device.Priority
}

// IsOperation reports whether the call dispatched a queued request
func (c Call) IsOperation() bool {
	switch c.Method {
	case MethodConnect, MethodDisconnect, MethodDiscoverServices:
		return false
	default:
		return true
	}
}

// Responder produces the completion for a dispatched operation. Returning nil
// leaves the operation outstanding.
type Responder func(call Call) *adapter.Completion

// FakeTransport is an in-memory adapter.Transport. It records every call and lets
// tests drive link events and completions from their own goroutine. With AutoLink
// set, connect, discovery and disconnect succeed asynchronously; with a Responder,
// operations complete asynchronously too.
type FakeTransport struct {
	Address string

	mu          sync.Mutex
	handler     adapter.EventHandler
	calls       []Call
	signal      chan struct{}
	errs        map[string]error
	autoLink    bool
	responder   Responder
	delay       time.Duration
	outstanding map[adapter.OpID]struct{}
	overlaps    int
}

// NewFakeTransport creates a fake bound to handler
func NewFakeTransport(address string, handler adapter.EventHandler) *FakeTransport {
	return &FakeTransport{
		Address:     address,
		handler:     handler,
		signal:      make(chan struct{}, 1),
		errs:        make(map[string]error),
		outstanding: make(map[adapter.OpID]struct{}),
	}
}

// SetResponder completes every dispatched operation with r, after delay
func (f *FakeTransport) SetResponder(r Responder, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder = r
	f.delay = delay
}

// FailWith makes method return err synchronously (the operation is never started)
func (f *FakeTransport) FailWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// Calls returns a copy of every recorded call
func (f *FakeTransport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsOf returns the recorded calls of one method
func (f *FakeTransport) CallsOf(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Operations returns the recorded request dispatches in order
func (f *FakeTransport) Operations() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.IsOperation() {
			out = append(out, c)
		}
	}
	return out
}

// LastOperation returns the most recent request dispatch
func (f *FakeTransport) LastOperation() (Call, bool) {
	ops := f.Operations()
	if len(ops) == 0 {
		return Call{}, false
	}
	return ops[len(ops)-1], true
}

// Overlaps counts dispatches that arrived while another operation was still outstanding
func (f *FakeTransport) Overlaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlaps
}

// WaitForOperations blocks until at least n operations were dispatched or timeout elapses
func (f *FakeTransport) WaitForOperations(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(f.Operations()) >= n {
			return true
		}
		select {
		case <-f.signal:
		case <-deadline:
			return len(f.Operations()) >= n
		}
	}
}

// LinkUp reports a successful connect
func (f *FakeTransport) LinkUp() {
	f.handler.HandleConnectionEvent(adapter.ConnectionEvent{Type: adapter.LinkUp})
}

// LinkFailed reports a connect attempt that never came up
func (f *FakeTransport) LinkFailed(err error) {
	f.handler.HandleConnectionEvent(adapter.ConnectionEvent{Type: adapter.LinkFailed, Err: err})
}

// LinkDown reports loss of the link
func (f *FakeTransport) LinkDown(err error) {
	f.mu.Lock()
	f.outstanding = make(map[adapter.OpID]struct{})
	f.mu.Unlock()
	f.handler.HandleConnectionEvent(adapter.ConnectionEvent{Type: adapter.LinkDown, Err: err})
}

// ServicesDiscovered reports the outcome of service discovery
func (f *FakeTransport) ServicesDiscovered(err error) {
	f.handler.HandleConnectionEvent(adapter.ConnectionEvent{Type: adapter.ServicesDiscovered, Err: err})
}

// Complete delivers c for a dispatched operation
func (f *FakeTransport) Complete(c adapter.Completion) {
	f.mu.Lock()
	delete(f.outstanding, c.ID)
	f.mu.Unlock()
	f.handler.HandleCompletion(c)
}

// CompleteLast completes the most recent dispatch with value and err
func (f *FakeTransport) CompleteLast(value []byte, err error) Call {
	call, ok := f.LastOperation()
	if !ok {
		panic("testutils: no operation dispatched")
	}
	f.Complete(adapter.Completion{ID: call.ID, Kind: call.Kind, Target: call.Target, Value: value, Err: err})
	return call
}

// Notify pushes a notification value for target
func (f *FakeTransport) Notify(target device.Target, data []byte) {
	f.handler.HandleNotification(target, data)
}

func (f *FakeTransport) record(call Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.errs[call.Method]
	autoLink := f.autoLink
	responder := f.responder
	delay := f.delay
	if err == nil && call.IsOperation() {
		if len(f.outstanding) > 0 {
			f.overlaps++
		}
		f.outstanding[call.ID] = struct{}{}
	}
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}

	if err != nil {
		return err
	}

	// never call back synchronously: the caller holds the peripheral lock
	switch {
	case call.IsOperation() && responder != nil:
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			if c := responder(call); c != nil {
				f.Complete(*c)
			}
		}()
	case autoLink && call.Method == MethodConnect:
		go f.LinkUp()
	case autoLink && call.Method == MethodDiscoverServices:
		go f.ServicesDiscovered(nil)
	case autoLink && call.Method == MethodDisconnect:
		go f.LinkDown(nil)
	}
	return nil
}

// Connect implements adapter.Transport
func (f *FakeTransport) Connect(address string) error {
	return f.record(Call{Method: MethodConnect})
}

// Disconnect implements adapter.Transport
func (f *FakeTransport) Disconnect() error {
	return f.record(Call{Method: MethodDisconnect})
}

// DiscoverServices implements adapter.Transport
func (f *FakeTransport) DiscoverServices() error {
	return f.record(Call{Method: MethodDiscoverServices})
}

// ReadCharacteristic implements adapter.Transport
func (f *FakeTransport) ReadCharacteristic(id adapter.OpID, target device.Target) error {
	return f.record(Call{Method: MethodReadCharacteristic, ID: id, Kind: device.Read, Target: target})
}

// WriteCharacteristic implements adapter.Transport
func (f *FakeTransport) WriteCharacteristic(id adapter.OpID, target device.Target, data []byte, withResponse bool) error {
	return f.record(Call{
		Method:       MethodWriteCharacteristic,
		ID:           id,
		Kind:         device.Write,
		Target:       target,
		Data:         append([]byte(nil), data...),
		WithResponse: withResponse,
	})
}

// ReadDescriptor implements adapter.Transport
func (f *FakeTransport) ReadDescriptor(id adapter.OpID, target device.Target) error {
	return f.record(Call{Method: MethodReadDescriptor, ID: id, Kind: device.ReadDescriptor, Target: target})
}

// WriteDescriptor implements adapter.Transport
func (f *FakeTransport) WriteDescriptor(id adapter.OpID, target device.Target, data []byte) error {
	return f.record(Call{
		Method: MethodWriteDescriptor,
		ID:     id,
		Kind:   device.WriteDescriptor,
		Target: target,
		Data:   append([]byte(nil), data...),
	})
}

// SetNotify implements adapter.Transport
func (f *FakeTransport) SetNotify(id adapter.OpID, target device.Target, enable bool) error {
	kind := device.SubscribeNotify
	if !enable {
		kind = device.UnsubscribeNotify
	}
	return f.record(Call{Method: MethodSetNotify, ID: id, Kind: kind, Target: target, Enable: enable})
}

// ReadRSSI implements adapter.Transport
func (f *FakeTransport) ReadRSSI(id adapter.OpID) error {
	return f.record(Call{Method: MethodReadRSSI, ID: id, Kind: device.ReadRSSI})
}

// RequestMTU implements adapter.Transport
func (f *FakeTransport) RequestMTU(id adapter.OpID, mtu int) error {
	return f.record(Call{Method: MethodRequestMTU, ID: id, Kind: device.RequestMtu, MTU: mtu})
}

// RequestConnectionPriority implements adapter.Transport
func (f *FakeTransport) RequestConnectionPriority(id adapter.OpID, priority device.Priority) error {
	return f.record(Call{
		Method:   MethodRequestConnectionPriority,
		ID:       id,
		Kind:     device.RequestConnectionPriority,
		Priority: priority,
	})
}

// FakeDialer hands out one FakeTransport per address
type FakeDialer struct {
	mu         sync.Mutex
	transports map[string]*FakeTransport
	created    int

	// AutoLink is applied to every transport the dialer creates
	AutoLink bool
	// Err, when set, makes NewTransport fail
	Err error
}

// NewFakeDialer creates a dialer with no transports
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{transports: make(map[string]*FakeTransport)}
}

// NewTransport implements adapter.Dialer
func (d *FakeDialer) NewTransport(address string, handler adapter.EventHandler) (adapter.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	t := NewFakeTransport(address, handler)
	t.autoLink = d.AutoLink
	d.transports[address] = t
	d.created++
	return t, nil
}

// Transport returns the most recent transport created for address
func (d *FakeDialer) Transport(address string) *FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[address]
}

// Created counts NewTransport calls that succeeded
func (d *FakeDialer) Created() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}
