package uffd

import "unsafe"

// UffdioAPI is the argument of UFFDIO_API.
type UffdioAPI struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

// UffdioRange is the argument of UFFDIO_UNREGISTER and UFFDIO_WAKE.
type UffdioRange struct {
	Start uint64
	Len   uint64
}

// UffdioRegister is the argument of UFFDIO_REGISTER.
type UffdioRegister struct {
	Range  UffdioRange
	Mode   uint64
	Ioctls uint64
}

// UffdioCopy is the argument of UFFDIO_COPY.
type UffdioCopy struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

// UffdioZeropage is the argument of UFFDIO_ZEROPAGE.
type UffdioZeropage struct {
	Range    UffdioRange
	Mode     uint64
	Zeropage int64
}

// Msg mirrors the kernel's 32-byte struct uffd_msg. Only the event
// kind and the pagefault argument are consumed here.
type Msg struct {
	Event uint8
	_     [7]byte
	Arg   [24]byte
}

// MsgPagefault is the pagefault member of the event argument union.
type MsgPagefault struct {
	Flags   uint64
	Address uint64
	Ptid    uint32
	_       uint32
}

func (m *Msg) Pagefault() *MsgPagefault {
	return (*MsgPagefault)(unsafe.Pointer(&m.Arg[0]))
}
