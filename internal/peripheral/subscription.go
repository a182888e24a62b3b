package peripheral

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Notification is one value pushed by the peer for a subscribed characteristic
type Notification struct {
	Target     device.Target
	Data       []byte
	ReceivedAt time.Time
	Seq        uint64 // per-peripheral arrival order
}

// Sink receives notifications. Deliver is called from the transport's
// notification goroutine and must not block for long.
type Sink interface {
	Deliver(n Notification)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(n Notification)

// Deliver implements Sink
func (f SinkFunc) Deliver(n Notification) { f(n) }

// ChannelSink buffers notifications in a ring; when the consumer falls behind
// the oldest values are dropped.
type ChannelSink struct {
	ring *ringchan.RingChannel[Notification]
}

// NewChannelSink creates a ChannelSink holding up to capacity undelivered notifications
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{ring: ringchan.New[Notification](capacity)}
}

// Deliver implements Sink
func (s *ChannelSink) Deliver(n Notification) {
	s.ring.Send(n)
}

// C returns the channel notifications are read from
func (s *ChannelSink) C() <-chan Notification {
	return s.ring.C()
}

// Dropped returns how many notifications were overwritten before being read
func (s *ChannelSink) Dropped() int64 {
	return s.ring.Snapshot().Overwritten
}

// Close closes the channel returned by C
func (s *ChannelSink) Close() {
	s.ring.Close()
}

// Subscription is an active notification registration
type Subscription struct {
	Target    device.Target
	Since     time.Time
	sink      Sink
	delivered atomic.Uint64
}

// Delivered returns how many notifications reached the sink
func (s *Subscription) Delivered() uint64 {
	return s.delivered.Load()
}

// SubscriptionTable maps characteristic targets to sinks, in subscription order.
// It is independent of the operation queue: delivering a notification never
// waits for an in-flight request.
type SubscriptionTable struct {
	mu   sync.RWMutex
	subs *orderedmap.OrderedMap[device.Target, *Subscription]
}

// NewSubscriptionTable creates an empty table
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{subs: orderedmap.New[device.Target, *Subscription]()}
}

// Put registers sink for target, replacing any previous one
func (t *SubscriptionTable) Put(target device.Target, sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs.Set(target, &Subscription{Target: target, Since: time.Now(), sink: sink})
}

// Delete removes the sink for target. Reports whether one was registered.
func (t *SubscriptionTable) Delete(target device.Target) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subs.Delete(target)
	return ok
}

// Get returns the subscription for target
func (t *SubscriptionTable) Get(target device.Target) (*Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subs.Get(target)
}

// Clear drops every subscription and returns how many there were
func (t *SubscriptionTable) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.subs.Len()
	if n > 0 {
		t.subs = orderedmap.New[device.Target, *Subscription]()
	}
	return n
}

// Len returns the number of subscriptions
func (t *SubscriptionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subs.Len()
}

// Targets lists subscribed targets, oldest subscription first
func (t *SubscriptionTable) Targets() []device.Target {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]device.Target, 0, t.subs.Len())
	for pair := t.subs.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Deliver hands n to the sink registered for n.Target. The sink runs outside
// the table lock. Reports false if nobody is subscribed.
func (t *SubscriptionTable) Deliver(n Notification) bool {
	t.mu.RLock()
	sub, ok := t.subs.Get(n.Target)
	t.mu.RUnlock()
	if !ok {
		return false
	}
	sub.sink.Deliver(n)
	sub.delivered.Add(1)
	return true
}

// HandleNotification implements adapter.EventHandler. It does not take the
// peripheral lock, so values keep flowing while a request is in flight.
func (p *Peripheral) HandleNotification(target device.Target, data []byte) {
	n := Notification{
		Target:     target,
		Data:       append([]byte(nil), data...),
		ReceivedAt: time.Now(),
		Seq:        p.notifySeq.Add(1),
	}
	if !p.subs.Deliver(n) {
		p.logger.WithFields(logrus.Fields{
			"address": p.address,
			"target":  target.String(),
			"bytes":   len(data),
		}).Debug("Dropping notification without subscriber")
	}
}
