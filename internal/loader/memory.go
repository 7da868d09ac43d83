package loader

import "unsafe"

// processMemory implements redirect.Memory over the loader's own address
// space: the loader patches its own live code/data, the same way the
// original repository's Redirect and GOT-rewriting code does.
type processMemory struct{}

func (processMemory) Read(addr uintptr, n int) ([]byte, error) {
	return append([]byte(nil), unsafeBytesAt(addr, n)...), nil
}

func (processMemory) Write(addr uintptr, data []byte) error {
	copy(unsafeBytesAt(addr, len(data)), data)
	return nil
}

func unsafeBytesAt(addr uintptr, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func writeUint64At(addr uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = v
}

func writeByteAt(addr uintptr, v byte) {
	*(*byte)(unsafe.Pointer(addr)) = v
}

// copyBytesAt writes data starting at addr, used to stage file content and
// trampoline code into a segment's compose buffer.
func copyBytesAt(addr uintptr, data []byte) {
	copy(unsafeBytesAt(addr, len(data)), data)
}

// writeRelocValue stores value's low width bytes at addr, per the byte
// width internal/reloc.Apply reports for the relocation it just computed
// (spec.md §4.4: "stores the value at target address").
func writeRelocValue(addr uintptr, value uint64, width int) {
	switch width {
	case 0:
		return
	case 1:
		writeByteAt(addr, byte(value))
	case 2:
		*(*uint16)(unsafe.Pointer(addr)) = uint16(value)
	case 4:
		*(*uint32)(unsafe.Pointer(addr)) = uint32(value)
	case 8:
		writeUint64At(addr, value)
	}
}

// rawEventAt returns a pointer to the inotify_event header starting at
// off within buf, so filemod.go can walk a batch of variable-length
// events without a per-field copy.
func rawEventAt(buf []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&buf[off])
}
