package registry

import (
	"errors"
	"testing"
)

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	defer r.Close()

	if err := r.Register(1, 0x7000_0000, 0x1000, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}

	e, ok := r.Lookup(0x7000_0000)
	if !ok || e.DeviceID != 1 {
		t.Fatalf("Lookup(base) = %+v, %v", e, ok)
	}
	e, ok = r.Lookup(0x7000_0FFF)
	if !ok || e.DeviceID != 1 {
		t.Fatalf("Lookup(last byte) = %+v, %v", e, ok)
	}
	if _, ok := r.Lookup(0x7000_1000); ok {
		t.Fatalf("Lookup(one past end) should miss")
	}
	if _, ok := r.Lookup(0x6FFF_FFFF); ok {
		t.Fatalf("Lookup(one before base) should miss")
	}

	if err := r.Unregister(1); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := r.Lookup(0x7000_0000); ok {
		t.Fatalf("Lookup after unregister should miss")
	}

	// Idempotence of release: reserving the same window again must succeed.
	if err := r.Register(1, 0x7000_0000, 0x1000, ""); err != nil {
		t.Fatalf("re-Register after Unregister: %v", err)
	}
}

func TestRegisterRejectsOverlap(t *testing.T) {
	r := New()
	defer r.Close()

	if err := r.Register(1, 0x7000_0000, 0x2000, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(2, 0x7000_1000, 0x1000, ""); !errors.Is(err, ErrOverlapsExisting) {
		t.Fatalf("Register(overlap) = %v, want ErrOverlapsExisting", err)
	}
	// adjacent, non-overlapping window must succeed
	if err := r.Register(3, 0x7000_2000, 0x1000, ""); err != nil {
		t.Fatalf("Register(adjacent): %v", err)
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := New()
	defer r.Close()

	if err := r.Register(1, 0x7100_0000, 0x1000, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(1, 0x7200_0000, 0x1000, ""); !errors.Is(err, ErrIdInUse) {
		t.Fatalf("Register(dup id) = %v, want ErrIdInUse", err)
	}
}

func TestRegisterRejectsWhenFull(t *testing.T) {
	r := New()
	defer r.Close()

	for i := uint32(0); i < MaxDevices; i++ {
		base := uint64(0x7000_0000) + uint64(i)*0x1000
		if err := r.Register(i, base, 0x1000, ""); err != nil {
			t.Fatalf("Register(%d): %v", i, err)
		}
	}
	if err := r.Register(MaxDevices, 0x7F00_0000, 0x1000, ""); !errors.Is(err, ErrAlreadyFull) {
		t.Fatalf("Register beyond MaxDevices = %v, want ErrAlreadyFull", err)
	}
}

func TestUnregisterNotFound(t *testing.T) {
	r := New()
	if err := r.Unregister(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Unregister(missing) = %v, want ErrNotFound", err)
	}
}

func TestUnregisterCompactsBySwap(t *testing.T) {
	r := New()
	defer r.Close()

	for i := uint32(0); i < 3; i++ {
		base := uint64(0x7300_0000) + uint64(i)*0x1000
		if err := r.Register(i, base, 0x1000, ""); err != nil {
			t.Fatalf("Register(%d): %v", i, err)
		}
	}
	if err := r.Unregister(0); err != nil {
		t.Fatalf("Unregister(0): %v", err)
	}
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
	if _, ok := r.Lookup(0x7300_1000); !ok {
		t.Fatalf("device 1 should survive compaction")
	}
	if _, ok := r.Lookup(0x7300_2000); !ok {
		t.Fatalf("device 2 should survive compaction")
	}
}

func TestInterruptHandlerTable(t *testing.T) {
	r := New()
	var seen uint32
	err := r.RegisterInterruptHandler(0x42, func(deviceID, interruptID uint32) {
		seen = interruptID
	})
	if err != nil {
		t.Fatalf("RegisterInterruptHandler: %v", err)
	}
	fn := r.InterruptHandlerFor(0x42)
	if fn == nil {
		t.Fatalf("InterruptHandlerFor(0x42) = nil")
	}
	fn(1, 0x42)
	if seen != 0x42 {
		t.Fatalf("handler not invoked with expected interrupt id")
	}

	if err := r.RegisterInterruptHandler(MaxIRQs, func(uint32, uint32) {}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("RegisterInterruptHandler(out of range) = %v, want ErrOutOfRange", err)
	}
	if fn := r.InterruptHandlerFor(MaxIRQs); fn != nil {
		t.Fatalf("InterruptHandlerFor(out of range) should be nil")
	}
}
