//go:build windows

package vmem

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// reserveAt mirrors the unix mmap path using VirtualAlloc. Windows has no
// MAP_FIXED-at-hint-or-fail primitive, so a non-zero hint is attempted first
// and any other address is treated as a collision, same as vmem_unix.go.
func reserveAt(hint uintptr, size int64) (uintptr, error) {
	addr, err := windows.VirtualAlloc(hint, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return 0, fmt.Errorf("vmem: VirtualAlloc(%#x, %d): %w", hint, size, err)
	}
	if hint != 0 && addr != hint {
		_ = windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		return 0, fmt.Errorf("vmem: VirtualAlloc landed at %#x, wanted %#x", addr, hint)
	}
	return addr, nil
}

func decommitRange(addr uintptr, size int64) error {
	// MEM_DECOMMIT returns the pages but keeps the reservation, matching
	// Decommit's contract exactly; the address range is still ours.
	return windows.VirtualFree(addr, uintptr(size), windows.MEM_DECOMMIT)
}

func releaseRange(addr uintptr, size int64) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

// Protect mirrors vmem_unix.go's Protect using VirtualProtect.
func Protect(addr uintptr, size int64, writable bool) error {
	prot := uint32(windows.PAGE_READONLY)
	if writable {
		prot = windows.PAGE_READWRITE
	}
	var old uint32
	return windows.VirtualProtect(addr, uintptr(alignUp(size, PageSize)), prot, &old)
}
