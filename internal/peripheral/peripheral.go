// Package peripheral implements the per-device GATT client: a connection
// state machine, a strictly serial operation queue and the notification
// subscription table.
//
// BLE links carry one outstanding GATT request at a time. Every operation
// against a peripheral is therefore queued, dispatched to the transport only
// when nothing else is in flight, and resolved exactly once through the
// Future returned to the caller. Notifications bypass the queue.
//
// Typical use:
//
//	p, _ := peripheral.New("AA:BB:CC:DD:EE:FF", dialer, nil)
//	if _, err := p.Connect().Wait(ctx); err != nil {
//	    return err
//	}
//	level, err := p.EnqueueRead("180f", "2a19").Wait(ctx)
package peripheral

import (
	"sync"
	"sync/atomic"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
)

// DefaultMTU is the ATT_MTU every link starts with
const DefaultMTU = 23

// Options configures a peripheral. Zero durations disable the corresponding deadline.
type Options struct {
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	DisconnectTimeout time.Duration
	Logger            *logrus.Logger
}

// Peripheral is one remote device, addressed by its device identifier
type Peripheral struct {
	address   string
	opts      Options
	logger    *logrus.Logger
	transport adapter.Transport
	subs      *SubscriptionTable
	notifySeq atomic.Uint64

	mu            sync.Mutex
	state         device.State
	discovered    bool
	destroyed     bool
	pending       *list.List[*Request]
	inFlight      *Request
	nextID        adapter.OpID
	mtu           int
	rssi          int
	advertisement []byte
	lastSeen      time.Time

	connectFuture     *Future[struct{}]
	connectTimer      *time.Timer
	disconnectWaiters []*Future[struct{}]
	disconnectTimer   *time.Timer
	deferredConnect   *Future[struct{}]
	deferredTimeout   time.Duration
}

// New creates a peripheral in the Unscanned state and binds a transport to it.
// Returns an InvalidAddress error if address is not a device identifier.
func New(address string, dialer adapter.Dialer, opts *Options) (*Peripheral, error) {
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	p := &Peripheral{
		address: addr,
		opts:    *opts,
		logger:  logger,
		subs:    NewSubscriptionTable(),
		state:   device.Unscanned,
		pending: list.New[*Request](),
		mtu:     DefaultMTU,
	}
	p.opts.Logger = logger

	transport, err := dialer.NewTransport(addr, p)
	if err != nil {
		return nil, device.NewTransportFailure(0, err)
	}
	p.transport = transport

	return p, nil
}

// Address returns the canonical device identifier
func (p *Peripheral) Address() string {
	return p.address
}

// State returns the current connection state
func (p *Peripheral) State() device.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsConnected reports whether the link is up and services are discovered
func (p *Peripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyLocked()
}

// MTU returns the negotiated ATT_MTU
func (p *Peripheral) MTU() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mtu
}

// RSSI returns the signal strength from the last scan result
func (p *Peripheral) RSSI() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rssi
}

// Advertisement returns a copy of the last advertisement payload
func (p *Peripheral) Advertisement() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.advertisement == nil {
		return nil
	}
	out := make([]byte, len(p.advertisement))
	copy(out, p.advertisement)
	return out
}

// LastSeen returns the time of the last scan result
func (p *Peripheral) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// QueueLen returns the number of unresolved requests, in-flight included
func (p *Peripheral) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.pending.Len()
	if p.inFlight != nil {
		n++
	}
	return n
}

// InFlight describes the request currently dispatched to the transport, if any
func (p *Peripheral) InFlight() (kind device.Kind, target device.Target, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight == nil {
		return 0, device.Target{}, false
	}
	return p.inFlight.Kind, p.inFlight.Target, true
}

// Subscriptions lists the targets with an active notification sink
func (p *Peripheral) Subscriptions() []device.Target {
	return p.subs.Targets()
}

// UpdateScan records scan metadata. Ignored while the peripheral is connecting or connected.
func (p *Peripheral) UpdateScan(rssi int, advertisement []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed || p.state.IsLive() {
		return
	}

	p.rssi = rssi
	p.advertisement = append(p.advertisement[:0], advertisement...)
	p.lastSeen = time.Now()
	if p.state == device.Unscanned || p.state == device.Disconnected {
		p.setStateLocked(device.Scanning)
	}
}

// Destroy tears the peripheral down: every outstanding request is cancelled,
// subscriptions are dropped and a live link is closed. Safe to call more than once.
func (p *Peripheral) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyLocked()
}

// DestroyIfIdle destroys the peripheral unless it is connecting or connected.
// The state check and the teardown happen under one lock, so a Connect that
// races with it either wins and keeps the peripheral, or fails with Cancelled.
func (p *Peripheral) DestroyIfIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return true
	}
	switch p.state {
	case device.Connecting, device.Connected:
		return false
	}
	p.destroyLocked()
	return true
}

func (p *Peripheral) destroyLocked() {
	if p.destroyed {
		return
	}
	p.destroyed = true

	purged := p.purgeLocked(device.Cancelled, "peripheral removed")
	p.subs.Clear()

	wasLive := p.state.IsLive()
	p.stopTimersLocked()
	p.resolveConnectLocked(device.NewError(device.Cancelled, "peripheral removed"))
	if p.deferredConnect != nil {
		p.deferredConnect.resolve(struct{}{}, device.NewError(device.Cancelled, "peripheral removed"))
		p.deferredConnect = nil
	}
	p.setStateLocked(device.Disconnected)
	p.resolveDisconnectWaitersLocked()

	if wasLive {
		if err := p.transport.Disconnect(); err != nil {
			p.logger.WithFields(logrus.Fields{
				"address": p.address,
				"error":   err,
			}).Warn("Failed to close link while removing peripheral")
		}
	}

	p.logger.WithFields(logrus.Fields{
		"address": p.address,
		"purged":  purged,
	}).Debug("Peripheral destroyed")
}

// readyLocked reports whether the queue may dispatch
func (p *Peripheral) readyLocked() bool {
	return p.state == device.Connected && p.discovered && !p.destroyed
}

func (p *Peripheral) setStateLocked(s device.State) {
	if p.state == s {
		return
	}
	p.logger.WithFields(logrus.Fields{
		"address": p.address,
		"from":    p.state.String(),
		"to":      s.String(),
	}).Debug("Peripheral state transition")
	p.state = s
}
