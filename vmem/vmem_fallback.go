//go:build !linux && !darwin && !freebsd && !windows

package vmem

import "fmt"

// This allocator core requires a real reserve/decommit/release primitive to
// uphold address non-reuse; hosts without one of the supported mmap/VirtualAlloc
// backends cannot run it, the same way mmfile_fallback.go in the teacher
// degrades an mmap-backed reader to os.ReadFile for platforms it doesn't
// special-case (a degradation that is acceptable for read-only file access
// but is not acceptable here, since losing the address reservation defeats
// the allocator's entire purpose).
var errUnsupportedPlatform = fmt.Errorf("vmem: unsupported platform")

func reserveAt(hint uintptr, size int64) (uintptr, error) { return 0, errUnsupportedPlatform }
func decommitRange(addr uintptr, size int64) error        { return errUnsupportedPlatform }
func releaseRange(addr uintptr, size int64) error          { return errUnsupportedPlatform }

func Protect(addr uintptr, size int64, writable bool) error { return errUnsupportedPlatform }
