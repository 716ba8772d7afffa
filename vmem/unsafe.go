package vmem

import "unsafe"

// bytesAt views the memory at addr as a []byte of length n without copying.
// The caller is responsible for the region actually being mapped and at
// least n bytes long; this is the allocator core's own reserved address
// space, never arbitrary user memory.
func bytesAt(addr uintptr, n int64) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n)) //nolint:govet
}

func unsafePointer(data []byte) unsafe.Pointer {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Pointer(&data[0])
}
