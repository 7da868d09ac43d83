package tls

import "unsafe"

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func unsafeBytesAt(addr, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}

func storeRawAt(addr, raw uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = raw
}

// writeImage copies the module's initialization image into dst and zeroes
// the remainder up to size (BSS-like tail), matching dtv_copy's contract
// in original_source/src/tls.cpp.
func writeImage(dst uintptr, image []byte, size uint64) {
	buf := unsafeBytesAt(dst, uintptr(size))
	n := copy(buf, image)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}
