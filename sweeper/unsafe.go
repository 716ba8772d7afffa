package sweeper

import "unsafe"

func wordPtr(w *uint64) unsafe.Pointer { return unsafe.Pointer(w) }

func readWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}
