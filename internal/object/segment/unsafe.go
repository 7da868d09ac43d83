package segment

import "unsafe"

// uintptrOf returns the address backing a byte slice returned by mmap.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// bytesAt builds the zero-copy []byte view mprotect/munmap need over an
// already-mapped address range. The slice never escapes this package.
func bytesAt(addr, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}
