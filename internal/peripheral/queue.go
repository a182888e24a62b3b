package peripheral

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
)

// newRequest builds a request with the configured timeout applied
func (p *Peripheral) newRequest(kind device.Kind, target device.Target, opts []RequestOption) *Request {
	o := requestOptions{timeout: p.opts.RequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Request{
		Kind:    kind,
		Target:  target,
		Timeout: o.timeout,
	}
}

// enqueue appends req to the queue and kicks the dispatcher. It never blocks;
// a request that cannot be admitted is resolved with NotConnected right away.
func (p *Peripheral) enqueue(req *Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueLocked(req)
	p.drainLocked()
}

// enqueueAll appends requests as one contiguous run
func (p *Peripheral) enqueueAll(reqs []*Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, req := range reqs {
		p.enqueueLocked(req)
	}
	p.drainLocked()
}

func (p *Peripheral) enqueueLocked(req *Request) {
	if p.destroyed || !p.state.AdmitsRequests() {
		req.resolved = true
		req.complete(adapter.Completion{
			Kind:   req.Kind,
			Target: req.Target,
			Err:    device.NewError(device.NotConnected, "%s is %s", p.address, p.state),
		})
		return
	}

	p.nextID++
	req.ID = p.nextID
	req.EnqueuedAt = time.Now()
	req.elem = p.pending.PushBack(req)

	if req.Timeout > 0 {
		req.timer = time.AfterFunc(req.Timeout, func() {
			p.expire(req)
		})
	}

	p.logger.WithFields(logrus.Fields{
		"address":    p.address,
		"request_id": req.ID,
		"kind":       req.Kind.String(),
		"target":     req.Target.String(),
		"queued":     p.pending.Len(),
	}).Debug("Request enqueued")
}

// drainLocked promotes the queue head to in-flight for as long as the link is ready
// and nothing is outstanding. A request the transport refuses to start is failed and
// the next one is tried.
func (p *Peripheral) drainLocked() {
	for {
		req := p.promoteLocked()
		if req == nil {
			return
		}
		if err := p.dispatchLocked(req); err != nil {
			if p.inFlight == req {
				p.inFlight = nil
			}
			p.resolveLocked(req, adapter.Completion{Err: err})
		}
	}
}

func (p *Peripheral) promoteLocked() *Request {
	if p.inFlight != nil || !p.readyLocked() || p.pending.Len() == 0 {
		return nil
	}
	req := p.pending.Remove(p.pending.Front())
	req.elem = nil
	p.inFlight = req
	return req
}

// dispatchLocked hands the in-flight request to the transport
func (p *Peripheral) dispatchLocked(req *Request) error {
	if p.inFlight != req {
		p.logger.WithFields(logrus.Fields{
			"address":    p.address,
			"request_id": req.ID,
		}).Error("Queue invariant violated: dispatch while another request is in flight")
		return device.NewError(device.AlreadyInFlight, "request %d", req.ID)
	}

	p.logger.WithFields(logrus.Fields{
		"address":    p.address,
		"request_id": req.ID,
		"kind":       req.Kind.String(),
		"target":     req.Target.String(),
		"waited":     req.Age(),
	}).Debug("Dispatching request")

	var err error
	switch req.Kind {
	case device.Read:
		err = p.transport.ReadCharacteristic(req.ID, req.Target)
	case device.Write:
		err = p.transport.WriteCharacteristic(req.ID, req.Target, req.Payload, req.WithResponse)
	case device.ReadDescriptor:
		err = p.transport.ReadDescriptor(req.ID, req.Target)
	case device.WriteDescriptor:
		err = p.transport.WriteDescriptor(req.ID, req.Target, req.Payload)
	case device.SubscribeNotify:
		err = p.transport.SetNotify(req.ID, req.Target, true)
	case device.UnsubscribeNotify:
		err = p.transport.SetNotify(req.ID, req.Target, false)
	case device.ReadRSSI:
		err = p.transport.ReadRSSI(req.ID)
	case device.RequestMtu:
		err = p.transport.RequestMTU(req.ID, req.MTU)
	case device.RequestConnectionPriority:
		err = p.transport.RequestConnectionPriority(req.ID, req.Priority)
	default:
		return device.NewError(device.InvalidArgument, "unknown request kind %s", req.Kind)
	}
	if err != nil {
		return device.NewTransportFailure(0, err)
	}
	return nil
}

// HandleCompletion implements adapter.EventHandler. A completion that does not
// belong to the in-flight request (late, after a timeout or purge) is discarded.
func (p *Peripheral) HandleCompletion(c adapter.Completion) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := p.inFlight
	if req == nil || !req.matches(c) {
		p.logger.WithFields(logrus.Fields{
			"address":    p.address,
			"request_id": c.ID,
			"kind":       c.Kind.String(),
			"target":     c.Target.String(),
		}).Debug("Discarding completion without in-flight request")
		return
	}

	p.inFlight = nil
	p.resolveLocked(req, c)
	p.drainLocked()
}

// expire fails req with Timeout if nothing resolved it first
func (p *Peripheral) expire(req *Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.resolved {
		return
	}

	wasInFlight := p.inFlight == req
	if wasInFlight {
		p.inFlight = nil
	} else if req.elem != nil {
		p.pending.Remove(req.elem)
		req.elem = nil
	}

	p.logger.WithFields(logrus.Fields{
		"address":    p.address,
		"request_id": req.ID,
		"kind":       req.Kind.String(),
		"in_flight":  wasInFlight,
		"timeout":    req.Timeout,
	}).Warn("Request timed out")

	p.resolveLocked(req, adapter.Completion{
		Err: device.NewError(device.Timeout, "%s %s after %s", req.Kind, req.Target, req.Timeout),
	})
	p.drainLocked()
}

// PurgeQueue cancels every outstanding request, in-flight first, then pending in
// FIFO order. Returns how many were cancelled; an empty queue is a no-op.
func (p *Peripheral) PurgeQueue() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.purgeLocked(device.Cancelled, "queue purged")
	if n > 0 {
		p.logger.WithFields(logrus.Fields{
			"address": p.address,
			"purged":  n,
		}).Info("Operation queue purged")
	}
	return n
}

func (p *Peripheral) purgeLocked(reason device.Reason, msg string) int {
	n := 0
	if req := p.inFlight; req != nil {
		p.inFlight = nil
		p.resolveLocked(req, adapter.Completion{Err: device.NewError(reason, "%s", msg)})
		n++
	}
	for e := p.pending.Front(); e != nil; e = p.pending.Front() {
		req := p.pending.Remove(e)
		req.elem = nil
		p.resolveLocked(req, adapter.Completion{Err: device.NewError(reason, "%s", msg)})
		n++
	}
	return n
}

// cancelPendingLocked unlinks a request that has not been dispatched yet.
// Requests ahead of and behind it keep their order.
func (p *Peripheral) cancelPendingLocked(req *Request, msg string) bool {
	if req.resolved || req.elem == nil {
		return false
	}
	p.pending.Remove(req.elem)
	req.elem = nil
	p.resolveLocked(req, adapter.Completion{Err: device.NewError(device.Cancelled, "%s", msg)})
	return true
}

// resolveLocked delivers the single outcome of req. Later calls are no-ops.
func (p *Peripheral) resolveLocked(req *Request, c adapter.Completion) {
	if req.resolved {
		return
	}
	req.resolved = true
	if req.timer != nil {
		req.timer.Stop()
		req.timer = nil
	}

	c.ID = req.ID
	c.Kind = req.Kind
	c.Target = req.Target
	if c.Err != nil {
		c.Err = device.NewTransportFailure(0, c.Err)
	} else if req.onSuccess != nil {
		req.onSuccess(c)
	}

	fields := logrus.Fields{
		"address":    p.address,
		"request_id": req.ID,
		"kind":       req.Kind.String(),
		"target":     req.Target.String(),
		"elapsed":    req.Age(),
	}
	if c.Err != nil {
		fields["error"] = c.Err
		p.logger.WithFields(fields).Debug("Request failed")
	} else {
		p.logger.WithFields(fields).Debug("Request completed")
	}

	req.complete(c)
}
