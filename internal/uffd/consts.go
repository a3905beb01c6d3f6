package uffd

// Constants from <linux/userfaultfd.h>. The ioctl numbers follow the
// _IOC encoding dir<<30 | size<<16 | type<<8 | nr with type UFFDIO
// (0xAA); struct sizes are asserted in consts_test.go.
const (
	// UFFD_API is the API version this package is built against.
	UFFD_API = 0xAA

	UFFDIO_REGISTER   = 0xc020aa00 // _IOWR(UFFDIO, 0x00, struct uffdio_register)
	UFFDIO_UNREGISTER = 0x8010aa01 // _IOR(UFFDIO, 0x01, struct uffdio_range)
	UFFDIO_WAKE       = 0x8010aa02 // _IOR(UFFDIO, 0x02, struct uffdio_range)
	UFFDIO_COPY       = 0xc028aa03 // _IOWR(UFFDIO, 0x03, struct uffdio_copy)
	UFFDIO_ZEROPAGE   = 0xc020aa04 // _IOWR(UFFDIO, 0x04, struct uffdio_zeropage)
	UFFDIO_API        = 0xc018aa3f // _IOWR(UFFDIO, 0x3F, struct uffdio_api)
)

// Event kinds delivered in Msg.Event.
const (
	EventPagefault = 0x12
	EventFork      = 0x13
	EventRemap     = 0x14
	EventRemove    = 0x15
	EventUnmap     = 0x16
)

// UFFDIO_REGISTER modes.
const (
	RegisterModeMissing = 1 << iota
	RegisterModeWP
)

// UFFD_EVENT_PAGEFAULT flags.
const (
	PagefaultFlagWrite = 1 << iota
	PagefaultFlagWP
)
