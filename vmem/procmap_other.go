//go:build !linux

package vmem

import "strings"

// Region mirrors procmap_linux.go's type for platforms without /proc.
type Region struct {
	Start, End uintptr
	Perms      string
	Anonymous  bool
	Path       string
}

func (r Region) Writable() bool { return strings.Contains(r.Perms, "w") }

// MemoryMap has no portable equivalent outside Linux's /proc/self/maps; the
// sweeper falls back to scanning only its own heap pools as roots, which is
// conservative-safe (it may retain more than necessary) but never unsafe.
func MemoryMap() ([]Region, error) {
	return nil, nil
}

// PageStatus degrades to "always present, always dirty" on platforms without
// a present/soft-dirty bit source: every eligible page is rescanned on every
// cycle. This is the conservative direction the spec requires (§9: "false
// positives retain memory longer... acceptable"; treating a page as dirty
// when it might not be only costs scan time, never correctness).
func PageStatus(addr uintptr) (present, softDirty bool, err error) {
	return true, true, nil
}

// ClearSoftDirty is a no-op where the platform has no such bit to clear.
func ClearSoftDirty() error { return nil }

// SoftDirtySupported is false outside Linux.
func SoftDirtySupported() bool { return false }
