// Package registry owns the peripherals known to the client: one Peripheral per
// device address, created on first reference by a scan result or a connect.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/adapter"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/peripheral"
)

type peripheralMap = hashmap.Map[string, *peripheral.Peripheral]

// Registry maps device addresses to peripherals. Lookups are lock-free; inserts
// and evictions are serialized by mu. Entries are never deleted in place: an
// eviction publishes a rebuilt map holding the survivors.
type Registry struct {
	dialer adapter.Dialer
	opts   peripheral.Options
	logger *logrus.Logger

	mu          sync.Mutex
	peripherals atomic.Pointer[peripheralMap]
}

// New creates an empty registry. Transports for new peripherals come from dialer.
func New(dialer adapter.Dialer, opts peripheral.Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	r := &Registry{
		dialer: dialer,
		opts:   opts,
		logger: opts.Logger,
	}
	r.peripherals.Store(hashmap.New[string, *peripheral.Peripheral]())
	return r
}

func (r *Registry) current() *peripheralMap {
	return r.peripherals.Load()
}

// Get returns the peripheral registered under address
func (r *Registry) Get(address string) (*peripheral.Peripheral, bool) {
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return nil, false
	}
	return r.current().Get(addr)
}

// GetOrCreate returns the peripheral for address, creating it in the Unscanned
// state on first reference. Concurrent callers always receive the same object.
func (r *Registry) GetOrCreate(address string) (*peripheral.Peripheral, error) {
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return nil, err
	}
	if p, ok := r.current().Get(addr); ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, _, err := r.getOrCreateLocked(addr)
	return p, err
}

// getOrCreateLocked expects a validated address
func (r *Registry) getOrCreateLocked(addr string) (*peripheral.Peripheral, bool, error) {
	m := r.current()
	if p, ok := m.Get(addr); ok {
		return p, false, nil
	}

	created, err := peripheral.New(addr, r.dialer, &r.opts)
	if err != nil {
		return nil, false, err
	}

	p, loaded := m.GetOrInsert(addr, created)
	if loaded {
		created.Destroy()
		return p, false, nil
	}

	r.logger.WithField("address", addr).Debug("Peripheral registered")
	return p, true, nil
}

// Connect connects to address, registering the peripheral if it was never seen.
// The lookup and the connect are atomic with respect to BeginScan.
func (r *Registry) Connect(address string, opts ...peripheral.ConnectOption) (*peripheral.Peripheral, *peripheral.Future[struct{}], error) {
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, _, err := r.getOrCreateLocked(addr)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Connect(opts...), nil
}

// Observe records a scan result for address. It returns the peripheral and
// whether it was new to the registry.
func (r *Registry) Observe(address string, rssi int, advertisement []byte) (*peripheral.Peripheral, bool, error) {
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, created, err := r.getOrCreateLocked(addr)
	if err != nil {
		return nil, false, err
	}
	p.UpdateScan(rssi, advertisement)
	return p, created, nil
}

// BeginScan starts a new scan sweep: every peripheral that is neither connected
// nor connecting is dropped and destroyed. Returns how many were evicted.
func (r *Registry) BeginScan() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := r.rebuildLocked(func(p *peripheral.Peripheral) bool {
		return !p.DestroyIfIdle()
	})

	if evicted > 0 {
		r.logger.WithFields(logrus.Fields{
			"evicted":  evicted,
			"retained": r.current().Len(),
		}).Debug("Cleared stale peripherals before scan")
	}
	return evicted
}

// Remove destroys and forgets the peripheral for address
func (r *Registry) Remove(address string) bool {
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.current().Get(addr)
	if !ok {
		return false
	}
	r.rebuildLocked(func(other *peripheral.Peripheral) bool {
		return other != p
	})
	p.Destroy()
	return true
}

// rebuildLocked publishes a new map with the peripherals keep accepts.
// Returns how many were left out.
func (r *Registry) rebuildLocked(keep func(p *peripheral.Peripheral) bool) int {
	next := hashmap.New[string, *peripheral.Peripheral]()
	dropped := 0
	r.current().Range(func(addr string, p *peripheral.Peripheral) bool {
		if keep(p) {
			next.Set(addr, p)
		} else {
			dropped++
		}
		return true
	})
	if dropped > 0 {
		r.peripherals.Store(next)
	}
	return dropped
}

// Range calls fn for every registered peripheral until fn returns false
func (r *Registry) Range(fn func(p *peripheral.Peripheral) bool) {
	r.current().Range(func(_ string, p *peripheral.Peripheral) bool {
		return fn(p)
	})
}

// Len returns the number of registered peripherals
func (r *Registry) Len() int {
	return r.current().Len()
}

// Close destroys every peripheral
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current()
	r.peripherals.Store(hashmap.New[string, *peripheral.Peripheral]())
	old.Range(func(_ string, p *peripheral.Peripheral) bool {
		p.Destroy()
		return true
	})
}
