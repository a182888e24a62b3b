package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/groutine"
)

// Transport is the go-ble link to one peripheral. go-ble calls are blocking,
// so every method starts a named goroutine and reports back through the
// EventHandler; none of them calls the handler before returning.
type Transport struct {
	address string
	handler adapter.EventHandler
	dial    dialFunc
	logger  *logrus.Logger

	mu      sync.Mutex
	gen     uint64 // bumped per connect attempt; events of older attempts are dropped
	client  gattClient
	profile *ble.Profile
	cancel  context.CancelFunc // dial in progress, or live link monitor
}

func newTransport(address string, handler adapter.EventHandler, dial dialFunc, logger *logrus.Logger) *Transport {
	return &Transport{
		address: address,
		handler: handler,
		dial:    dial,
		logger:  logger,
	}
}

// Connect implements adapter.Transport
func (t *Transport) Connect(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return device.NewError(device.InvalidArgument, "%s already has a live link", t.address)
	}
	if t.cancel != nil {
		t.cancel()
	}

	t.gen++
	gen := t.gen
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.logger.WithField("address", address).Debug("Dialing BLE device...")
	groutine.GoSafe(ctx, "ble-dial:"+address, t.logger, func(ctx context.Context) {
		client, err := t.dial(ctx, address)
		t.dialed(ctx, gen, client, err)
	}, func(err error) {
		t.dialed(ctx, gen, nil, err)
	})
	return nil
}

// dialed publishes the outcome of the dial started for gen. A dial superseded by a
// newer Connect is dropped silently; one abandoned by Disconnect reports LinkFailed.
func (t *Transport) dialed(ctx context.Context, gen uint64, client gattClient, err error) {
	t.mu.Lock()
	superseded := gen != t.gen
	abandoned := !superseded && ctx.Err() != nil
	if err == nil && !superseded && !abandoned {
		t.client = client
		t.profile = nil
		t.monitorLocked(ctx, gen, client)
	}
	t.mu.Unlock()

	if err == nil && (superseded || abandoned) {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("error", cancelErr).Debug("Failed to close abandoned link")
		}
	}

	switch {
	case superseded:
		t.logger.WithField("address", t.address).Debug("Dropping result of superseded dial")
	case abandoned:
		t.handler.HandleConnectionEvent(adapter.ConnectionEvent{
			Type: adapter.LinkFailed,
			Err:  &device.OperationError{Reason: device.Cancelled, Msg: "connect abandoned", Err: err},
		})
	case err != nil:
		t.logger.WithFields(logrus.Fields{
			"address": t.address,
			"error":   err,
		}).Debug("Failed to dial BLE device")
		t.handler.HandleConnectionEvent(adapter.ConnectionEvent{Type: adapter.LinkFailed, Err: NormalizeError(err)})
	default:
		t.handler.HandleConnectionEvent(adapter.ConnectionEvent{Type: adapter.LinkUp})
	}
}

// monitorLocked watches the go-ble Disconnected() channel, where the client has one
func (t *Transport) monitorLocked(ctx context.Context, gen uint64, client gattClient) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		t.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(ctx, "ble-link-monitor:"+t.address, func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			t.linkDown(gen, nil)
		case <-ctx.Done():
		}
	})
}

// linkDown reports the loss of the link of gen, once
func (t *Transport) linkDown(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || t.client == nil {
		t.mu.Unlock()
		return
	}
	t.client = nil
	t.profile = nil
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	t.handler.HandleConnectionEvent(adapter.ConnectionEvent{Type: adapter.LinkDown, Err: err})
}

// Disconnect implements adapter.Transport. A dial in progress is abandoned;
// a live link is closed and reported through LinkDown.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	client := t.client
	gen := t.gen
	if client == nil {
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
		return nil
	}

	groutine.GoSafe(context.Background(), "ble-disconnect:"+t.address, t.logger, func(ctx context.Context) {
		err := client.CancelConnection()
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": t.address,
				"error":   err,
			}).Warn("BLE device disconnected with errors")
		}
		t.linkDown(gen, NormalizeError(err))
	}, func(err error) {
		t.linkDown(gen, err)
	})
	return nil
}

// DiscoverServices implements adapter.Transport
func (t *Transport) DiscoverServices() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	client := t.client
	gen := t.gen
	if client == nil {
		return device.ErrNotConnected
	}

	groutine.GoSafe(context.Background(), "ble-discover:"+t.address, t.logger, func(ctx context.Context) {
		profile, err := client.DiscoverProfile(true)
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		if err == nil {
			t.profile = profile
		}
		t.mu.Unlock()

		if err == nil {
			t.logger.WithFields(logrus.Fields{
				"address":  t.address,
				"services": len(profile.Services),
			}).Debug("Profile discovered successfully")
		}
		t.handler.HandleConnectionEvent(adapter.ConnectionEvent{Type: adapter.ServicesDiscovered, Err: NormalizeError(err)})
	}, func(err error) {
		t.handler.HandleConnectionEvent(adapter.ConnectionEvent{Type: adapter.ServicesDiscovered, Err: err})
	})
	return nil
}

// ReadCharacteristic implements adapter.Transport
func (t *Transport) ReadCharacteristic(id adapter.OpID, target device.Target) error {
	return t.withCharacteristic(id, device.Read, target, func(client gattClient, c *ble.Characteristic, done adapter.Completion) adapter.Completion {
		done.Value, done.Err = client.ReadCharacteristic(c)
		return done
	})
}

// WriteCharacteristic implements adapter.Transport
func (t *Transport) WriteCharacteristic(id adapter.OpID, target device.Target, data []byte, withResponse bool) error {
	return t.withCharacteristic(id, device.Write, target, func(client gattClient, c *ble.Characteristic, done adapter.Completion) adapter.Completion {
		done.Err = client.WriteCharacteristic(c, data, !withResponse)
		return done
	})
}

// ReadDescriptor implements adapter.Transport
func (t *Transport) ReadDescriptor(id adapter.OpID, target device.Target) error {
	return t.withCharacteristic(id, device.ReadDescriptor, target, func(client gattClient, c *ble.Characteristic, done adapter.Completion) adapter.Completion {
		d := findDescriptor(c, target.Descriptor)
		if d == nil {
			done.Err = fmt.Errorf("descriptor %s not found", target)
			return done
		}
		done.Value, done.Err = client.ReadDescriptor(d)
		return done
	})
}

// WriteDescriptor implements adapter.Transport
func (t *Transport) WriteDescriptor(id adapter.OpID, target device.Target, data []byte) error {
	return t.withCharacteristic(id, device.WriteDescriptor, target, func(client gattClient, c *ble.Characteristic, done adapter.Completion) adapter.Completion {
		d := findDescriptor(c, target.Descriptor)
		if d == nil {
			done.Err = fmt.Errorf("descriptor %s not found", target)
			return done
		}
		done.Err = client.WriteDescriptor(d, data)
		return done
	})
}

// SetNotify implements adapter.Transport. Characteristics that only indicate
// are subscribed with indications.
func (t *Transport) SetNotify(id adapter.OpID, target device.Target, enable bool) error {
	kind := device.SubscribeNotify
	if !enable {
		kind = device.UnsubscribeNotify
	}
	return t.withCharacteristic(id, kind, target, func(client gattClient, c *ble.Characteristic, done adapter.Completion) adapter.Completion {
		ind := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
		if enable {
			done.Err = client.Subscribe(c, ind, func(data []byte) {
				t.handler.HandleNotification(target, data)
			})
		} else {
			done.Err = client.Unsubscribe(c, ind)
		}
		return done
	})
}

// ReadRSSI implements adapter.Transport
func (t *Transport) ReadRSSI(id adapter.OpID) error {
	return t.run(id, device.ReadRSSI, device.Target{}, func(client gattClient, done adapter.Completion) adapter.Completion {
		done.Int = client.ReadRSSI()
		return done
	})
}

// RequestMTU implements adapter.Transport
func (t *Transport) RequestMTU(id adapter.OpID, mtu int) error {
	return t.run(id, device.RequestMtu, device.Target{}, func(client gattClient, done adapter.Completion) adapter.Completion {
		done.Int, done.Err = client.ExchangeMTU(mtu)
		return done
	})
}

// RequestConnectionPriority implements adapter.Transport. go-ble exposes no
// connection parameter update, so the request completes with ErrUnsupported.
func (t *Transport) RequestConnectionPriority(id adapter.OpID, priority device.Priority) error {
	return t.run(id, device.RequestConnectionPriority, device.Target{}, func(client gattClient, done adapter.Completion) adapter.Completion {
		done.Err = fmt.Errorf("connection priority %s: %w", priority, device.ErrUnsupported)
		return done
	})
}

// withCharacteristic resolves target against the discovered profile and runs op
func (t *Transport) withCharacteristic(id adapter.OpID, kind device.Kind, target device.Target,
	op func(client gattClient, c *ble.Characteristic, done adapter.Completion) adapter.Completion) error {
	t.mu.Lock()
	profile := t.profile
	t.mu.Unlock()

	c := findCharacteristic(profile, target)
	if c == nil {
		return fmt.Errorf("characteristic %s not found", target)
	}
	return t.run(id, kind, target, func(client gattClient, done adapter.Completion) adapter.Completion {
		return op(client, c, done)
	})
}

// run executes op on its own goroutine and reports the completion
func (t *Transport) run(id adapter.OpID, kind device.Kind, target device.Target,
	op func(client gattClient, done adapter.Completion) adapter.Completion) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return device.ErrNotConnected
	}

	done := adapter.Completion{ID: id, Kind: kind, Target: target}
	name := fmt.Sprintf("gatt-%s:%s", kind, t.address)
	groutine.GoSafe(context.Background(), name, t.logger, func(ctx context.Context) {
		c := op(client, done)
		c.Err = NormalizeError(c.Err)
		t.handler.HandleCompletion(c)
	}, func(err error) {
		failed := done
		failed.Err = err
		t.handler.HandleCompletion(failed)
	})
	return nil
}

func findCharacteristic(profile *ble.Profile, target device.Target) *ble.Characteristic {
	if profile == nil {
		return nil
	}
	for _, s := range profile.Services {
		if device.NormalizeUUID(s.UUID.String()) != target.Service {
			continue
		}
		for _, c := range s.Characteristics {
			if device.NormalizeUUID(c.UUID.String()) == target.Characteristic {
				return c
			}
		}
	}
	return nil
}

func findDescriptor(c *ble.Characteristic, uuid string) *ble.Descriptor {
	for _, d := range c.Descriptors {
		if device.NormalizeUUID(d.UUID.String()) == uuid {
			return d
		}
	}
	return nil
}
