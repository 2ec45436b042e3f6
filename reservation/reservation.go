// Package reservation backs the address-reservation layer: it reserves a
// no-access virtual memory region of a requested size so that any load or
// store inside it raises the host's synchronous access-fault signal, and
// releases that region again on teardown.
package reservation

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Handle is an opaque host reservation. It is owned by exactly one registry
// entry and must be released exactly once.
type Handle struct {
	base uintptr
	size int
}

// Base returns the host address backing the reservation. Because the
// reservation carries PROT_NONE, dereferencing this address from any driver
// code raises SIGSEGV. The trap engine finds the owning device by matching
// the faulting address against the registry entry's guest window, which
// coincides with this range only when ReserveAt succeeded.
func (h *Handle) Base() uintptr { return h.base }

// Size returns the reservation's length in bytes.
func (h *Handle) Size() int { return h.size }

// Reserve allocates a private anonymous region of exactly size bytes with no
// read, write or execute permission. The kernel is free to place the region
// anywhere; callers must not assume it lands at any particular guest-visible
// address (see the asymmetry documented in spec.md section 4.A).
func Reserve(size int) (*Handle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("reservation: size must be positive, got %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("reservation: mmap %d bytes: %w", size, err)
	}
	return &Handle{base: uintptr(unsafe.Pointer(&mem[0])), size: size}, nil
}

// ReserveAt attempts to reserve size bytes starting exactly at the guest
// base address, using MAP_FIXED_NOREPLACE so the kernel refuses rather than
// clobbers any existing mapping at that address. This is the in-place
// scheme from spec.md section 4.A: when it succeeds, the guest address IS
// the host address and the trap engine needs no translation at fault time.
// A failure here (for example, because the window already holds a host
// mapping) is not fatal to the caller: Registry falls back to Reserve for
// that device, so the registration itself is not rejected.
func ReserveAt(base uintptr, size int) (*Handle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("reservation: size must be positive, got %d", size)
	}
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, base, uintptr(size),
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|mapFixedNoreplace),
		^uintptr(0), 0)
	if errno != 0 {
		return nil, fmt.Errorf("reservation: mmap at %#x: %w", base, errno)
	}
	if addr != base {
		unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(size), 0)
		return nil, fmt.Errorf("reservation: kernel placed mapping at %#x, not requested %#x", addr, base)
	}
	return &Handle{base: addr, size: size}, nil
}

// mapFixedNoreplace is MAP_FIXED_NOREPLACE (Linux 4.17+). golang.org/x/sys/unix
// does not export it on every platform build, so it is pinned here to its
// stable kernel value rather than pulled from the package.
const mapFixedNoreplace = 0x100000

// Release unmaps the reservation. It is a programming error to call Release
// twice on the same handle; the registry enforces this by unmapping exactly
// once per live entry (spec.md section 3 invariants).
func Release(h *Handle) error {
	if h == nil || h.base == 0 {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, h.base, uintptr(h.size), 0)
	h.base, h.size = 0, 0
	if errno != 0 {
		return fmt.Errorf("reservation: munmap: %w", errno)
	}
	return nil
}
