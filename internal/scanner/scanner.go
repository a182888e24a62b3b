package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/registry"
	"github.com/srg/gattq/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type DeviceEvent struct {
	Type          DeviceEventType
	Advertisement adapter.Advertisement
}

// Scanner runs scan sweeps and feeds the results into a peripheral registry
type Scanner struct {
	source   adapter.Scanner
	registry *registry.Registry
	events   *ringchan.RingChannel[DeviceEvent]
	logger   *logrus.Logger
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	AllowDuplicates bool
	ServiceUUIDs    []string
	AllowList       []string
	BlockList       []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
	}
}

// filter is ScanOptions with every identifier in canonical form
type filter struct {
	services []string
	allow    map[string]struct{}
	block    map[string]struct{}
}

// NewScanner creates a scanner reading advertisements from source
func NewScanner(source adapter.Scanner, reg *registry.Registry, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		source:   source,
		registry: reg,
		events:   ringchan.New[DeviceEvent](100),
		logger:   logger,
	}
}

// Scan performs BLE discovery with provided options. Peripherals that are not
// connected or connecting are evicted from the registry before the sweep starts.
// Returns the last advertisement of every device that passed the filters.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]adapter.Advertisement, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	f, err := newFilter(opts)
	if err != nil {
		return nil, err
	}

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	evicted := s.registry.BeginScan()
	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"evicted":  evicted,
	}).Info("Starting BLE scan...")

	progressCallback("Scanning")

	seen := hashmap.New[string, adapter.Advertisement]()
	err = s.source.Scan(ctx, opts.AllowDuplicates, func(adv adapter.Advertisement) {
		s.handleAdvertisement(seen, f, adv)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", seen.Len()).Info("BLE scan completed")

	progressCallback("Processing results")

	devices := make(map[string]adapter.Advertisement, seen.Len())
	seen.Range(func(key string, value adapter.Advertisement) bool {
		devices[key] = value
		return true
	})

	return devices, nil
}

// handleAdvertisement records adv in the registry and emits a device event
func (s *Scanner) handleAdvertisement(seen *hashmap.Map[string, adapter.Advertisement], f *filter, adv adapter.Advertisement) {
	addr, err := device.ValidateAddress(adv.Address)
	if err != nil {
		s.logger.WithField("address", adv.Address).Debug("Ignoring advertisement with malformed address")
		return
	}
	adv.Address = addr

	if !f.includes(adv) {
		return
	}

	_, existing := seen.Get(addr)
	seen.Set(addr, adv)

	if _, _, err := s.registry.Observe(addr, adv.RSSI, adv.Bytes()); err != nil {
		s.logger.WithFields(logrus.Fields{
			"address": addr,
			"error":   err,
		}).Warn("Failed to register scanned device")
		return
	}

	event := DeviceEvent{Advertisement: adv}
	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  adv.LocalName,
			"address": addr,
			"rssi":    adv.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	if s.events.Send(event) {
		s.logger.Debug("Device event buffer full, dropped oldest event")
	}
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// DroppedEvents counts events overwritten because nobody was reading
func (s *Scanner) DroppedEvents() int64 {
	return s.events.Snapshot().Overwritten
}

func newFilter(opts *ScanOptions) (*filter, error) {
	var services []string
	if len(opts.ServiceUUIDs) > 0 {
		var err error
		if services, err = device.ValidateUUID(opts.ServiceUUIDs...); err != nil {
			return nil, fmt.Errorf("invalid service filter: %w", err)
		}
	}

	allow, err := addressSet(opts.AllowList)
	if err != nil {
		return nil, fmt.Errorf("invalid allow list: %w", err)
	}
	block, err := addressSet(opts.BlockList)
	if err != nil {
		return nil, fmt.Errorf("invalid block list: %w", err)
	}

	return &filter{services: services, allow: allow, block: block}, nil
}

func addressSet(addrs []string) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		addr, err := device.ValidateAddress(a)
		if err != nil {
			return nil, err
		}
		set[addr] = struct{}{}
	}
	return set, nil
}

// includes applies the block, allow and service filters
func (f *filter) includes(adv adapter.Advertisement) bool {
	if _, blocked := f.block[adv.Address]; blocked {
		return false
	}

	if len(f.allow) > 0 {
		if _, allowed := f.allow[adv.Address]; !allowed {
			return false
		}
	}

	if len(f.services) > 0 {
		for _, required := range f.services {
			if adv.HasService(required) {
				return true
			}
		}
		return false
	}

	return true
}
