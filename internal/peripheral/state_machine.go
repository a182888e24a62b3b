package peripheral

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
)

// Connect starts a connection attempt, or joins the one already running.
//
// The returned future resolves once the link is up and services are discovered.
// Calling Connect while Connecting or Connected returns the same future and never
// starts a second transport connect. Calling it while Disconnecting defers the
// attempt until the link is fully down.
func (p *Peripheral) Connect(opts ...ConnectOption) *Future[struct{}] {
	o := connectOptions{timeout: p.opts.ConnectTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return resolvedFuture(struct{}{}, device.NewError(device.Cancelled, "peripheral removed"))
	}

	switch p.state {
	case device.Connecting, device.Connected:
		p.logger.WithFields(logrus.Fields{
			"address": p.address,
			"state":   p.state.String(),
		}).Debug("Connect joins existing connection")
		return p.connectFuture
	case device.Disconnecting:
		if p.deferredConnect == nil {
			p.deferredConnect = newFuture[struct{}]()
			p.deferredTimeout = o.timeout
		}
		p.logger.WithField("address", p.address).Debug("Connect deferred until disconnect completes")
		return p.deferredConnect
	default:
		return p.startConnectLocked(o.timeout, nil)
	}
}

func (p *Peripheral) startConnectLocked(timeout time.Duration, fut *Future[struct{}]) *Future[struct{}] {
	if fut == nil {
		fut = newFuture[struct{}]()
	}

	p.connectFuture = fut
	p.discovered = false
	p.mtu = DefaultMTU
	p.setStateLocked(device.Connecting)

	p.logger.WithFields(logrus.Fields{
		"address": p.address,
		"timeout": timeout,
	}).Info("Connecting to BLE device...")

	if err := p.transport.Connect(p.address); err != nil {
		p.logger.WithFields(logrus.Fields{
			"address": p.address,
			"error":   err,
		}).Error("Transport refused connect")
		p.connectFuture = nil
		p.setStateLocked(device.Disconnected)
		fut.resolve(struct{}{}, device.NewTransportFailure(0, err))
		return fut
	}

	if timeout > 0 {
		p.connectTimer = time.AfterFunc(timeout, func() {
			p.connectTimedOut(fut, timeout)
		})
	}
	return fut
}

// connectTimedOut aborts the attempt that owns fut, if it is still pending
func (p *Peripheral) connectTimedOut(fut *Future[struct{}], timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connectFuture != fut {
		return
	}
	switch {
	case p.state == device.Connecting:
	case p.state == device.Connected && !p.discovered:
	default:
		return
	}

	p.logger.WithFields(logrus.Fields{
		"address": p.address,
		"timeout": timeout,
	}).Warn("Connect timed out")

	timeoutErr := device.NewError(device.Timeout, "connect to %s after %s", p.address, timeout)
	p.resolveConnectLocked(timeoutErr)
	p.linkLostLocked(device.ReasonDisconnected, "connect timed out")

	if err := p.transport.Disconnect(); err != nil {
		p.logger.WithField("error", err).Debug("Failed to cancel timed out connect")
	}
}

// Disconnect closes the link. The future resolves once the transport reports the
// link is down, or DisconnectTimeout forces the transition. A peripheral that is not
// connected resolves immediately.
func (p *Peripheral) Disconnect() *Future[struct{}] {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case device.Connecting, device.Connected:
		fut := newFuture[struct{}]()
		p.disconnectWaiters = append(p.disconnectWaiters, fut)

		if p.state == device.Connecting {
			p.stopConnectTimerLocked()
			p.resolveConnectLocked(device.NewError(device.Cancelled, "connect aborted by disconnect"))
		}
		p.setStateLocked(device.Disconnecting)

		p.logger.WithFields(logrus.Fields{
			"address":  p.address,
			"pending":  p.pending.Len(),
			"inflight": p.inFlight != nil,
		}).Info("Disconnecting BLE device...")

		if err := p.transport.Disconnect(); err != nil {
			p.logger.WithFields(logrus.Fields{
				"address": p.address,
				"error":   err,
			}).Warn("Transport disconnect failed, dropping link state")
			p.linkLostLocked(device.ReasonDisconnected, "link closed")
			return fut
		}

		if p.opts.DisconnectTimeout > 0 {
			p.disconnectTimer = time.AfterFunc(p.opts.DisconnectTimeout, p.forceDisconnected)
		}
		return fut
	case device.Disconnecting:
		fut := newFuture[struct{}]()
		p.disconnectWaiters = append(p.disconnectWaiters, fut)
		return fut
	default:
		return resolvedFuture(struct{}{}, nil)
	}
}

// forceDisconnected completes a disconnect the transport never confirmed
func (p *Peripheral) forceDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != device.Disconnecting {
		return
	}
	p.logger.WithFields(logrus.Fields{
		"address": p.address,
		"timeout": p.opts.DisconnectTimeout,
	}).Warn("Transport did not confirm disconnect, forcing state")
	p.linkLostLocked(device.ReasonDisconnected, "link closed")
}

// HandleConnectionEvent implements adapter.EventHandler
func (p *Peripheral) HandleConnectionEvent(ev adapter.ConnectionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fields := logrus.Fields{
		"address": p.address,
		"event":   ev.Type.String(),
		"state":   p.state.String(),
	}
	if ev.Err != nil {
		fields["error"] = ev.Err
	}

	if p.destroyed {
		p.logger.WithFields(fields).Debug("Ignoring connection event for removed peripheral")
		return
	}

	switch ev.Type {
	case adapter.LinkUp:
		if p.state != device.Connecting {
			p.logger.WithFields(fields).Debug("Ignoring stale link up")
			if !p.state.IsLive() {
				// A link that came up after the attempt was abandoned
				if err := p.transport.Disconnect(); err != nil {
					p.logger.WithField("error", err).Debug("Failed to close abandoned link")
				}
			}
			return
		}
		p.setStateLocked(device.Connected)
		p.logger.WithFields(fields).Debug("Link up, discovering services...")
		if err := p.transport.DiscoverServices(); err != nil {
			p.discoveryFailedLocked(err)
		}

	case adapter.ServicesDiscovered:
		if p.state != device.Connected || p.discovered {
			p.logger.WithFields(fields).Debug("Ignoring stale service discovery result")
			return
		}
		if ev.Err != nil {
			p.discoveryFailedLocked(ev.Err)
			return
		}
		p.discovered = true
		p.stopConnectTimerLocked()
		p.resolveConnectLocked(nil)
		p.logger.WithFields(logrus.Fields{
			"address": p.address,
			"queued":  p.pending.Len(),
		}).Info("BLE device connected successfully")
		p.drainLocked()

	case adapter.LinkFailed:
		if p.state == device.Disconnecting {
			// an attempt aborted by Disconnect ends here
			p.logger.WithFields(fields).Debug("Aborted connect attempt finished")
			p.linkLostLocked(device.ReasonDisconnected, "connect aborted")
			return
		}
		if p.state != device.Connecting {
			p.logger.WithFields(fields).Debug("Ignoring stale connect failure")
			return
		}
		p.logger.WithFields(fields).Error("Failed to connect to BLE device")
		p.resolveConnectLocked(device.NewTransportFailure(0, ev.Err))
		p.linkLostLocked(device.ReasonDisconnected, "connect failed")

	case adapter.LinkDown:
		if !p.state.IsLive() {
			p.logger.WithFields(fields).Debug("Ignoring link down for idle peripheral")
			return
		}
		if p.state == device.Disconnecting {
			p.logger.WithFields(fields).Info("BLE device disconnected")
		} else {
			p.logger.WithFields(fields).Warn("BLE link lost")
		}
		p.resolveConnectLocked(&device.OperationError{Reason: device.ReasonDisconnected, Msg: "link lost while connecting", Err: ev.Err})
		p.linkLostLocked(device.ReasonDisconnected, "link lost")
	}
}

// discoveryFailedLocked fails the connect and every queued request with ServiceDiscoveryFailed
func (p *Peripheral) discoveryFailedLocked(cause error) {
	p.logger.WithFields(logrus.Fields{
		"address": p.address,
		"error":   cause,
	}).Error("Failed to discover services")

	discoveryErr := &device.OperationError{Reason: device.ServiceDiscoveryFailed, Err: cause}
	p.resolveConnectLocked(discoveryErr)
	p.linkLostLocked(device.ServiceDiscoveryFailed, "service discovery failed")

	if err := p.transport.Disconnect(); err != nil {
		p.logger.WithField("error", err).Debug("Failed to close link after discovery failure")
	}
}

// linkLostLocked enters Disconnected: the queue is purged with reason, subscriptions are
// cleared without protocol traffic, disconnect waiters are released and a deferred
// connect, if any, is started.
func (p *Peripheral) linkLostLocked(reason device.Reason, msg string) {
	p.stopTimersLocked()
	p.discovered = false
	p.setStateLocked(device.Disconnected)
	p.connectFuture = nil

	purged := p.purgeLocked(reason, msg)
	cleared := p.subs.Clear()
	if purged > 0 || cleared > 0 {
		p.logger.WithFields(logrus.Fields{
			"address":       p.address,
			"purged":        purged,
			"subscriptions": cleared,
			"reason":        string(reason),
		}).Debug("Connection state reset")
	}

	p.resolveDisconnectWaitersLocked()

	if fut := p.deferredConnect; fut != nil {
		p.deferredConnect = nil
		p.startConnectLocked(p.deferredTimeout, fut)
	}
}

func (p *Peripheral) resolveConnectLocked(err error) {
	if p.connectFuture != nil {
		p.connectFuture.resolve(struct{}{}, err)
	}
}

func (p *Peripheral) resolveDisconnectWaitersLocked() {
	for _, w := range p.disconnectWaiters {
		w.resolve(struct{}{}, nil)
	}
	p.disconnectWaiters = nil
}

func (p *Peripheral) stopConnectTimerLocked() {
	if p.connectTimer != nil {
		p.connectTimer.Stop()
		p.connectTimer = nil
	}
}

func (p *Peripheral) stopTimersLocked() {
	p.stopConnectTimerLocked()
	if p.disconnectTimer != nil {
		p.disconnectTimer.Stop()
		p.disconnectTimer = nil
	}
}
