package loader

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// uffdAPI mirrors the fixed-size struct uffdio_api the UFFDIO_API ioctl
// exchanges, used to negotiate the userfaultfd feature set before
// registering any memory range.
type uffdAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

// uffdRegister mirrors struct uffdio_register.
type uffdRegister struct {
	rangeStart uint64
	rangeLen   uint64
	mode       uint64
	ioctls     uint64
}

const (
	uffdioAPI        = 0xc018aa3f
	uffdioRegister   = 0xc020aa00
	uffdAPIVersion   = 0xaa
	uffdioRegisterMM = 1 // UFFDIO_REGISTER_MODE_MISSING
)

// userfaultDetector wraps a userfaultfd for spec.md §4.7's outdated-access
// detector: Register arms missing-page reporting over a page range. It
// does not read or report fault events from the descriptor.
type userfaultDetector struct {
	fd int
}

func newUserfaultDetector() (*userfaultDetector, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("loader: userfaultfd: %w", errno)
	}
	d := &userfaultDetector{fd: int(fd)}

	api := uffdAPI{api: uffdAPIVersion}
	if err := ioctlPtr(d.fd, uffdioAPI, unsafe.Pointer(&api)); err != nil {
		unix.Close(d.fd)
		return nil, fmt.Errorf("loader: UFFDIO_API: %w", err)
	}
	return d, nil
}

// Register arms missing-page reporting over [base, base+size).
func (d *userfaultDetector) Register(base, size uintptr) error {
	reg := uffdRegister{
		rangeStart: uint64(base),
		rangeLen:   uint64(size),
		mode:       uffdioRegisterMM,
	}
	return ioctlPtr(d.fd, uffdioRegister, unsafe.Pointer(&reg))
}

func (d *userfaultDetector) Close() error { return unix.Close(d.fd) }

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
