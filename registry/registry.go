// Package registry holds the device registry: the ordered mapping from a
// fabricated guest address to the owning device plus its backing
// unreadable reservation, and the interrupt-handler table that rides
// alongside it (spec.md sections 3 and 4.B).
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/icd3sim/mmiotrap/reservation"
)

// MaxDevices bounds the registry, matching the C original's fixed-size
// device table.
const MaxDevices = 16

// MaxIRQs bounds the interrupt-handler table.
const MaxIRQs = 16

var (
	ErrAlreadyFull     = errors.New("registry: full")
	ErrIdInUse         = errors.New("registry: device id already registered")
	ErrOverlapsExisting = errors.New("registry: window overlaps an existing device")
	ErrReserveFailed   = errors.New("registry: failed to reserve host memory")
	ErrNotFound        = errors.New("registry: device not found")
	ErrOutOfRange      = errors.New("registry: interrupt id out of range")
)

// ModelEndpoint names the local-stream address a device model listens on.
// The zero value means "no model attached" — the trap engine and transport
// fall back to the deterministic in-process responder for that device.
type ModelEndpoint string

// Entry is one live device registration.
type Entry struct {
	DeviceID    uint32
	GuestBase   uint64
	Size        uint64
	Reservation *reservation.Handle
	Model       ModelEndpoint
}

// Contains reports whether addr falls in [GuestBase, GuestBase+Size).
func (e *Entry) Contains(addr uint64) bool {
	return addr >= e.GuestBase && addr < e.GuestBase+e.Size
}

// InterruptHandler is invoked synchronously, on the thread that observed
// the interrupt signal, with the device and sub-interrupt identifiers.
type InterruptHandler func(deviceID, interruptID uint32)

// Registry packages the global mutable state described in spec.md section 9
// behind explicit register/unregister calls. It is mutated only outside
// fault delivery and read by the trap engine's hot path under a read lock.
// Nothing enforces a single instance; a program normally builds one, and
// tests build several. A single RWMutex is sufficient because the
// concurrency model (spec.md section 5) assumes one thread runs driver code
// at a time.
type Registry struct {
	mu         sync.RWMutex
	entries    []Entry
	maxDevices int
	handlers   [MaxIRQs]InterruptHandler
}

// New returns an empty registry bounded by MaxDevices.
func New() *Registry {
	return NewWithCapacity(MaxDevices)
}

// NewWithCapacity returns an empty registry bounded by maxDevices, for
// callers that configure the limit explicitly (see mmio.Config).
func NewWithCapacity(maxDevices int) *Registry {
	return &Registry{entries: make([]Entry, 0, maxDevices), maxDevices: maxDevices}
}

// Register reserves host memory for a new device window and installs the
// entry. The window [guestBase, guestBase+size) must not overlap any live
// entry. On any failure the registry is left unchanged.
func (r *Registry) Register(deviceID uint32, guestBase, size uint64, model ModelEndpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= r.maxDevices {
		return ErrAlreadyFull
	}
	for i := range r.entries {
		e := &r.entries[i]
		if e.DeviceID == deviceID {
			return ErrIdInUse
		}
		if windowsOverlap(e.GuestBase, e.Size, guestBase, size) {
			return ErrOverlapsExisting
		}
	}

	h, err := reservation.ReserveAt(uintptr(guestBase), int(size))
	if err != nil {
		h, err = reservation.Reserve(int(size))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReserveFailed, err)
		}
	}

	r.entries = append(r.entries, Entry{
		DeviceID:    deviceID,
		GuestBase:   guestBase,
		Size:        size,
		Reservation: h,
		Model:       model,
	})
	return nil
}

func windowsOverlap(base1, size1, base2, size2 uint64) bool {
	end1, end2 := base1+size1, base2+size2
	return base1 < end2 && base2 < end1
}

// Unregister releases the reservation and removes the entry, relocating the
// last live entry into the freed slot (order is irrelevant per spec.md
// section 3).
func (r *Registry) Unregister(deviceID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].DeviceID != deviceID {
			continue
		}
		if err := reservation.Release(r.entries[i].Reservation); err != nil {
			return err
		}
		last := len(r.entries) - 1
		r.entries[i] = r.entries[last]
		r.entries = r.entries[:last]
		return nil
	}
	return ErrNotFound
}

// Lookup returns the entry owning addr, or false if no live entry's window
// contains it. It is safe to call without holding any lock from the fault
// path, at the cost of a read lock acquired here; the registry is only
// mutated outside fault delivery so contention never occurs in the
// single-driver-thread regime (spec.md section 5).
func (r *Registry) Lookup(addr uint64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.entries {
		if r.entries[i].Contains(addr) {
			return r.entries[i], true
		}
	}
	return Entry{}, false
}

// LookupByDeviceID returns the entry registered under deviceID, or false if
// none is live. Used by control-plane callers that address a device
// directly rather than through a faulting guest address.
func (r *Registry) LookupByDeviceID(deviceID uint32) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.entries {
		if r.entries[i].DeviceID == deviceID {
			return r.entries[i], true
		}
	}
	return Entry{}, false
}

// Count returns the number of live entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RegisterInterruptHandler installs fn for interruptID. A nil fn clears the
// slot.
func (r *Registry) RegisterInterruptHandler(interruptID uint32, fn InterruptHandler) error {
	if interruptID >= MaxIRQs {
		return ErrOutOfRange
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[interruptID] = fn
	return nil
}

// InterruptHandlerFor returns the handler registered for interruptID, or nil
// if none is installed or the id is out of range.
func (r *Registry) InterruptHandlerFor(interruptID uint32) InterruptHandler {
	if interruptID >= MaxIRQs {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[interruptID]
}

// Close releases every live entry's reservation. Safe to call on an already
// empty registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for i := range r.entries {
		if err := reservation.Release(r.entries[i].Reservation); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.entries = r.entries[:0]
	return firstErr
}
