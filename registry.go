package jog_arm

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// servoBus is what the servo backend needs from a serial servo bus. Positions are raw
// encoder counts.
type servoBus interface {
	Ping(ctx context.Context, id int) error
	Position(ctx context.Context, id int) (int, error)
	SetPosition(ctx context.Context, id, raw int) error
	SetTorqueEnabled(ctx context.Context, id int, enabled bool) error
	Close() error
}

type busConfig struct {
	Port     string
	Baudrate int
	ServoIDs []int
	Timeout  time.Duration
}

// compatible reports whether two users can share one open bus.
func (c busConfig) compatible(o busConfig) bool {
	return c.Port == o.Port && c.Baudrate == o.Baudrate && c.Timeout == o.Timeout
}

type busEntry struct {
	bus      servoBus
	config   busConfig
	refCount int
}

// busRegistry shares one open bus per serial port between every service using it and closes
// the port when the last user releases it.
type busRegistry struct {
	mu      sync.Mutex
	open    func(busConfig) (servoBus, error)
	entries map[string]*busEntry // port path -> entry
}

func newBusRegistry(open func(busConfig) (servoBus, error)) *busRegistry {
	return &busRegistry{
		open:    open,
		entries: make(map[string]*busEntry),
	}
}

// sharedBuses is the process wide registry for real hardware.
var sharedBuses = newBusRegistry(openFeetechBus)

// acquire returns the bus for cfg.Port, opening it on first use.
func (r *busRegistry) acquire(cfg busConfig) (servoBus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[cfg.Port]; ok {
		if !entry.config.compatible(cfg) {
			return nil, errors.Errorf("conflict: port %s is already open with a different config (refCount: %d)", cfg.Port, entry.refCount)
		}
		entry.refCount++
		return entry.bus, nil
	}

	bus, err := r.open(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open servo bus on %s", cfg.Port)
	}
	r.entries[cfg.Port] = &busEntry{bus: bus, config: cfg, refCount: 1}
	return bus, nil
}

// release drops one reference and closes the bus when none remain.
func (r *busRegistry) release(port string) error {
	r.mu.Lock()
	entry, ok := r.entries[port]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	entry.refCount--
	if entry.refCount > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, port)
	r.mu.Unlock()

	return entry.bus.Close()
}

// status returns the reference count of port and whether it is open.
func (r *busRegistry) status(port string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[port]
	if !ok {
		return 0, false
	}
	return entry.refCount, true
}
