//go:build linux || darwin || freebsd

package vmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// reserveAt asks mmap for an anonymous, read/write mapping. A non-zero hint
// is advisory on every unix the allocator supports, so a racing mapping can
// land inside [hint, hint+size) first; the caller (ReserveHighWater) detects
// that by comparing the returned address against the hint.
func reserveAt(hint uintptr, size int64) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	data, err := unix.Mmap(-1, int64(hint), int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return 0, fmt.Errorf("vmem: mmap(%#x, %d): %w", hint, size, err)
	}
	base := uintptr(unsafePointer(data))
	if hint != 0 && base != hint {
		// The OS picked a different address than the hint; treat this as a
		// collision so the high-water cursor gets pushed forward and retried,
		// rather than letting two pools overlap the requested range.
		_ = unix.Munmap(data)
		return 0, fmt.Errorf("vmem: mmap landed at %#x, wanted %#x", base, hint)
	}
	return base, nil
}

func decommitRange(addr uintptr, size int64) error {
	data := bytesAt(addr, size)
	// MADV_DONTNEED zaps the physical pages and zero-fills on next touch,
	// while leaving the mapping (and therefore the address reservation) in
	// place, which is exactly the "decommit but never reuse" contract.
	return unix.Madvise(data, unix.MADV_DONTNEED)
}

func releaseRange(addr uintptr, size int64) error {
	return unix.Munmap(bytesAt(addr, size))
}

// Protect changes the page protection of a range to read-only or
// read/write. Nothing in the allocator calls it.
func Protect(addr uintptr, size int64, writable bool) error {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(bytesAt(addr, alignUp(size, PageSize)), prot)
}
