// Package uffd wraps the Linux userfaultfd(2) facility: opening and
// negotiating a descriptor, registering address ranges, resolving
// faults with the copy and zero-page ioctls, and decoding fault
// messages read from the descriptor.
package uffd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotSupported means the running kernel has no userfaultfd
	// syscall; processes cannot be lazy-restored on this system.
	ErrNotSupported = errors.New("userfaultfd is not supported by this kernel")

	// ErrAPIMismatch means the UFFDIO_API handshake failed or the
	// kernel speaks a different userfaultfd API version than this
	// package was built against.
	ErrAPIMismatch = errors.New("userfaultfd API version mismatch")
)

const openFlags = unix.O_CLOEXEC | unix.O_NONBLOCK

// Available probes whether userfaultfd can be used at runtime. Only
// ENOSYS is treated as unavailability; other failures are left for
// Open to report.
func Available() error {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, 0, 0, 0)
	if errno == unix.ENOSYS {
		return ErrNotSupported
	}
	if errno == 0 {
		unix.Close(int(fd))
	}
	return nil
}

// FD owns a userfaultfd descriptor.
type FD struct {
	fd int
}

// Open creates a userfaultfd descriptor with close-on-exec and
// non-blocking flags and performs the API handshake, declaring
// UFFD_API with no requested features.
func Open() (*FD, error) {
	raw, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(openFlags), 0, 0)
	if errno != 0 {
		return nil, os.NewSyscallError("userfaultfd", errno)
	}

	f := &FD{fd: int(raw)}

	api := UffdioAPI{API: UFFD_API}
	if err := f.ioctl(UFFDIO_API, unsafe.Pointer(&api)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: UFFDIO_API: %w", ErrAPIMismatch, err)
	}
	if api.API != UFFD_API {
		f.Close()
		return nil, fmt.Errorf("%w: kernel reports %#x, built against %#x", ErrAPIMismatch, api.API, UFFD_API)
	}

	return f, nil
}

// FromFd adopts an already negotiated descriptor, typically one
// received over a unix socket. The FD takes ownership.
func FromFd(fd int) *FD {
	return &FD{fd: fd}
}

func (f *FD) Raw() int {
	return f.fd
}

func (f *FD) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

func (f *FD) ioctl(op uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd), op, uintptr(arg))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

// Register arms [start, start+length) for missing-page faults. The
// page server never calls this; arming is the restorer's concern.
func (f *FD) Register(start, length uint64) error {
	reg := UffdioRegister{
		Range: UffdioRange{Start: start, Len: length},
		Mode:  RegisterModeMissing,
	}
	if err := f.ioctl(UFFDIO_REGISTER, unsafe.Pointer(&reg)); err != nil {
		return fmt.Errorf("UFFDIO_REGISTER %#x/%d: %w", start, length, err)
	}
	return nil
}

// Copy atomically installs length bytes from the buffer at src into
// the target address space at dst and wakes the faulting thread. It
// returns the kernel's copy field, which callers must inspect: on
// failure it carries the real error (-EEXIST means another fault
// already installed the page), on success the installed length.
func (f *FD) Copy(dst uint64, src uintptr, length uint64) (int64, error) {
	c := UffdioCopy{
		Dst: dst,
		Src: uint64(src),
		Len: length,
	}
	err := f.ioctl(UFFDIO_COPY, unsafe.Pointer(&c))
	return c.Copy, err
}

// ZeroPage installs zero-filled pages over [start, start+length) and
// wakes the faulting thread.
func (f *FD) ZeroPage(start, length uint64) (int64, error) {
	z := UffdioZeropage{
		Range: UffdioRange{Start: start, Len: length},
	}
	err := f.ioctl(UFFDIO_ZEROPAGE, unsafe.Pointer(&z))
	return z.Zeropage, err
}

// ReadMsg reads a single event message from the descriptor. A zero
// read means the other end is gone (the registered address space was
// torn down) and is reported as io.EOF. A short read is an error.
func (f *FD) ReadMsg() (*Msg, error) {
	var msg Msg
	buf := (*[unsafe.Sizeof(Msg{})]byte)(unsafe.Pointer(&msg))[:]

	var n int
	var err error
	for {
		n, err = unix.Read(f.fd, buf)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return nil, os.NewSyscallError("read", err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	if n != len(buf) {
		return nil, fmt.Errorf("short userfaultfd read: %d of %d bytes", n, len(buf))
	}

	return &msg, nil
}
