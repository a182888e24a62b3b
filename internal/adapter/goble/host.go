// Package goble implements adapter.Transport and adapter.Scanner on top of
// github.com/go-ble/ble. One Host owns the platform device; it dials a
// Transport per peripheral and runs scans.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
)

// gattClient is the part of ble.Client the transport uses
type gattClient interface {
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	ReadRSSI() int
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	DiscoverProfile(force bool) (*ble.Profile, error)
	CancelConnection() error
}

// dialFunc opens a link to address. It must honor ctx cancellation.
type dialFunc func(ctx context.Context, address string) (gattClient, error)

// scanFunc runs a scan on the platform device
type scanFunc func(ctx context.Context, allowDup bool, h ble.AdvHandler) error

// Host is the local BLE adapter
type Host struct {
	logger *logrus.Logger

	mu   sync.Mutex
	dev  ble.Device
	dial dialFunc
	scan scanFunc
}

// NewHost creates a host. The platform device is opened lazily, on first dial or scan.
func NewHost(logger *logrus.Logger) *Host {
	if logger == nil {
		logger = logrus.New()
	}
	h := &Host{logger: logger}
	h.dial = h.dialDevice
	h.scan = h.scanDevice
	return h
}

// device returns the platform device, creating it through DeviceFactory on first use
func (h *Host) device() (ble.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dev != nil {
		return h.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, NormalizeError(fmt.Errorf("failed to create BLE device: %w", err))
	}
	h.dev = dev
	return dev, nil
}

func (h *Host) dialDevice(ctx context.Context, address string) (gattClient, error) {
	dev, err := h.device()
	if err != nil {
		return nil, err
	}
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (h *Host) scanDevice(ctx context.Context, allowDup bool, handler ble.AdvHandler) error {
	dev, err := h.device()
	if err != nil {
		return err
	}
	return dev.Scan(ctx, allowDup, handler)
}

// NewTransport implements adapter.Dialer
func (h *Host) NewTransport(address string, handler adapter.EventHandler) (adapter.Transport, error) {
	if handler == nil {
		return nil, device.NewError(device.InvalidArgument, "event handler is nil")
	}
	return newTransport(address, handler, h.dial, h.logger), nil
}

// Scan implements adapter.Scanner. It returns nil when ctx ends.
func (h *Host) Scan(ctx context.Context, allowDuplicates bool, handler func(adapter.Advertisement)) error {
	err := h.scan(ctx, allowDuplicates, func(adv ble.Advertisement) {
		handler(ConvertAdvertisement(adv))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return nil
}

// Close stops the platform device
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev == nil {
		return nil
	}
	err := h.dev.Stop()
	h.dev = nil
	return NormalizeError(err)
}

// ConvertAdvertisement copies a go-ble advertisement into the platform independent form
func ConvertAdvertisement(adv ble.Advertisement) adapter.Advertisement {
	out := adapter.Advertisement{
		LocalName:        adv.LocalName(),
		RSSI:             adv.RSSI(),
		Connectable:      adv.Connectable(),
		ManufacturerData: append([]byte(nil), adv.ManufacturerData()...),
	}
	// 127 is "not present" in go-ble
	if tx := adv.TxPowerLevel(); tx != 127 {
		out.TxPowerLevel = tx
	}
	if addr := adv.Addr(); addr != nil {
		out.Address = addr.String()
	}
	for _, u := range adv.Services() {
		out.Services = append(out.Services, device.NormalizeUUID(u.String()))
	}
	for _, sd := range adv.ServiceData() {
		out.ServiceData = append(out.ServiceData, adapter.ServiceData{
			UUID: device.NormalizeUUID(sd.UUID.String()),
			Data: append([]byte(nil), sd.Data...),
		})
	}
	return out
}
