package peripheral

import (
	"fmt"
	"sync"

	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
)

const (
	// MaxMTU is the largest ATT_MTU a request may ask for
	MaxMTU = 517

	// attWriteOverhead is the ATT header size of a Write Request (opcode + handle)
	attWriteOverhead = 3
)

// EnqueueRead reads a characteristic value
func (p *Peripheral) EnqueueRead(service, characteristic string, opts ...RequestOption) *Future[[]byte] {
	fut := newFuture[[]byte]()
	target, err := device.NewTarget(service, characteristic)
	if err != nil {
		fut.resolve(nil, err)
		return fut
	}

	req := p.newRequest(device.Read, target, opts)
	req.complete = func(c adapter.Completion) { fut.resolve(c.Value, c.Err) }
	p.enqueue(req)
	return fut
}

// EnqueueWrite writes a characteristic value, with or without a response from the peer
func (p *Peripheral) EnqueueWrite(service, characteristic string, data []byte, withResponse bool, opts ...RequestOption) *Future[struct{}] {
	fut := newFuture[struct{}]()
	target, err := device.NewTarget(service, characteristic)
	if err != nil {
		fut.resolve(struct{}{}, err)
		return fut
	}

	req := p.newRequest(device.Write, target, opts)
	req.Payload = append([]byte(nil), data...)
	req.WithResponse = withResponse
	req.complete = func(c adapter.Completion) { fut.resolve(struct{}{}, c.Err) }
	p.enqueue(req)
	return fut
}

// EnqueueWriteChunked splits data into MTU sized writes and enqueues them back to back.
// The future resolves when the last chunk is written, or with the first failure; chunks
// that were still waiting when a chunk failed are cancelled.
func (p *Peripheral) EnqueueWriteChunked(service, characteristic string, data []byte, withResponse bool, opts ...RequestOption) *Future[struct{}] {
	fut := newFuture[struct{}]()
	target, err := device.NewTarget(service, characteristic)
	if err != nil {
		fut.resolve(struct{}{}, err)
		return fut
	}

	chunkSize := p.MTU() - attWriteOverhead
	if chunkSize <= 0 {
		chunkSize = DefaultMTU - attWriteOverhead
	}

	var reqs []*Request
	for offset := 0; offset < len(data) || len(reqs) == 0; offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		req := p.newRequest(device.Write, target, opts)
		req.Payload = append([]byte(nil), data[offset:end]...)
		req.WithResponse = withResponse
		reqs = append(reqs, req)
	}

	var (
		mu        sync.Mutex
		remaining = len(reqs)
	)
	for i, req := range reqs {
		index := i
		req.complete = func(c adapter.Completion) {
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()

			if c.Err != nil {
				fut.resolve(struct{}{}, fmt.Errorf("chunk %d/%d: %w", index+1, len(reqs), c.Err))
				if !device.IsCancellation(c.Err) {
					// runs under the peripheral lock, from resolveLocked
					for _, sibling := range reqs[index+1:] {
						p.cancelPendingLocked(sibling, "earlier chunk failed")
					}
				}
				return
			}
			if last {
				fut.resolve(struct{}{}, nil)
			}
		}
	}

	p.enqueueAll(reqs)
	return fut
}

// EnqueueReadDescriptor reads a descriptor of a characteristic
func (p *Peripheral) EnqueueReadDescriptor(service, characteristic, descriptor string, opts ...RequestOption) *Future[[]byte] {
	fut := newFuture[[]byte]()
	target, err := descriptorTarget(service, characteristic, descriptor)
	if err != nil {
		fut.resolve(nil, err)
		return fut
	}

	req := p.newRequest(device.ReadDescriptor, target, opts)
	req.complete = func(c adapter.Completion) { fut.resolve(c.Value, c.Err) }
	p.enqueue(req)
	return fut
}

// EnqueueWriteDescriptor writes a descriptor of a characteristic
func (p *Peripheral) EnqueueWriteDescriptor(service, characteristic, descriptor string, data []byte, opts ...RequestOption) *Future[struct{}] {
	fut := newFuture[struct{}]()
	target, err := descriptorTarget(service, characteristic, descriptor)
	if err != nil {
		fut.resolve(struct{}{}, err)
		return fut
	}

	req := p.newRequest(device.WriteDescriptor, target, opts)
	req.Payload = append([]byte(nil), data...)
	req.complete = func(c adapter.Completion) { fut.resolve(struct{}{}, c.Err) }
	p.enqueue(req)
	return fut
}

// EnqueueReadRSSI reads the signal strength of the live link, in dBm
func (p *Peripheral) EnqueueReadRSSI(opts ...RequestOption) *Future[int] {
	fut := newFuture[int]()
	req := p.newRequest(device.ReadRSSI, device.Target{}, opts)
	req.complete = func(c adapter.Completion) { fut.resolve(c.Int, c.Err) }
	p.enqueue(req)
	return fut
}

// EnqueueRequestMtu asks for a larger ATT_MTU. The future carries the negotiated
// value, which may be smaller than requested; MTU() reflects it afterwards.
func (p *Peripheral) EnqueueRequestMtu(mtu int, opts ...RequestOption) *Future[int] {
	fut := newFuture[int]()
	if mtu < DefaultMTU || mtu > MaxMTU {
		fut.resolve(0, device.NewError(device.InvalidArgument, "MTU %d out of range [%d, %d]", mtu, DefaultMTU, MaxMTU))
		return fut
	}

	req := p.newRequest(device.RequestMtu, device.Target{}, opts)
	req.MTU = mtu
	req.onSuccess = func(c adapter.Completion) {
		if c.Int >= DefaultMTU {
			p.mtu = c.Int
		}
	}
	req.complete = func(c adapter.Completion) { fut.resolve(c.Int, c.Err) }
	p.enqueue(req)
	return fut
}

// EnqueueRequestConnectionPriority asks the link layer for a different connection interval
func (p *Peripheral) EnqueueRequestConnectionPriority(priority device.Priority, opts ...RequestOption) *Future[struct{}] {
	fut := newFuture[struct{}]()
	req := p.newRequest(device.RequestConnectionPriority, device.Target{}, opts)
	req.Priority = priority
	req.complete = func(c adapter.Completion) { fut.resolve(struct{}{}, c.Err) }
	p.enqueue(req)
	return fut
}

// Subscribe enables notifications for a characteristic. Enabling takes a queue slot
// (it is a descriptor write on the wire); once it succeeds, every value pushed by the
// peer goes straight to sink. Subscribing again replaces the sink.
func (p *Peripheral) Subscribe(service, characteristic string, sink Sink, opts ...RequestOption) *Future[struct{}] {
	fut := newFuture[struct{}]()
	if sink == nil {
		fut.resolve(struct{}{}, device.NewError(device.InvalidArgument, "notification sink is nil"))
		return fut
	}
	target, err := device.NewTarget(service, characteristic)
	if err != nil {
		fut.resolve(struct{}{}, err)
		return fut
	}

	req := p.newRequest(device.SubscribeNotify, target, opts)
	req.onSuccess = func(c adapter.Completion) {
		p.subs.Put(target, sink)
	}
	req.complete = func(c adapter.Completion) { fut.resolve(struct{}{}, c.Err) }
	p.enqueue(req)
	return fut
}

// Unsubscribe disables notifications for a characteristic. The sink is removed only
// when the peer acknowledges; on failure it keeps receiving values.
func (p *Peripheral) Unsubscribe(service, characteristic string, opts ...RequestOption) *Future[struct{}] {
	fut := newFuture[struct{}]()
	target, err := device.NewTarget(service, characteristic)
	if err != nil {
		fut.resolve(struct{}{}, err)
		return fut
	}

	req := p.newRequest(device.UnsubscribeNotify, target, opts)
	req.onSuccess = func(c adapter.Completion) {
		p.subs.Delete(target)
	}
	req.complete = func(c adapter.Completion) { fut.resolve(struct{}{}, c.Err) }
	p.enqueue(req)
	return fut
}

func descriptorTarget(service, characteristic, descriptor string) (device.Target, error) {
	if descriptor == "" {
		return device.Target{}, device.NewError(device.InvalidArgument, "descriptor UUID is required")
	}
	return device.NewTarget(service, characteristic, descriptor)
}
