// Package pageread provides uniform access to a task's pagemap and
// page content. Two backends exist: a local image directory and a
// remote page-server connection. The fault-serving core only knows
// the Reader interface.
package pageread

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/checkpoint-restore/go-lazy-pages/internal/image"
)

// Flags are hints passed to ReadPages. The local backend completes
// reads synchronously either way; the remote backend submits
// asynchronous requests and may prioritize urgent ones.
type Flags uint32

const (
	// Async submits the read without waiting for the content; the
	// io-complete callback fires when it lands.
	Async Flags = 1 << iota
	// Asap asks the backend to prioritize this read over queued ones.
	Asap
)

// IOCompleteFn is invoked once the content of a read is in the
// destination buffer.
type IOCompleteFn func(addr uint64, nrPages int) error

// ErrNoRecord means the reader is not positioned at a pagemap record
// covering the requested address.
var ErrNoRecord = errors.New("no pagemap record covers the address")

// Reader walks a task's pagemap and reads page content.
type Reader interface {
	// Advance steps to the next pagemap record, returning false at
	// the end.
	Advance() bool
	// Entry returns the current record, nil when not positioned.
	Entry() *image.PagemapEntry
	// Reset rewinds to the beginning of the pagemap.
	Reset() error
	// SeekPagemap positions the reader at the record covering addr
	// and reports whether one exists.
	SeekPagemap(addr uint64) (bool, error)
	// SkipPages advances within the current record without reading.
	SkipPages(bytes uint64) error
	// ReadPages reads nrPages of content starting at addr into buf.
	// A positive return acknowledges submission; content delivery is
	// signalled through the io-complete callback.
	ReadPages(addr uint64, nrPages int, buf []byte, flags Flags) (int, error)
	// SetIOComplete installs the delivery callback.
	SetIOComplete(fn IOCompleteFn)
	Close() error
}

// pagemapCursor is the record-walking state shared by both backends.
type pagemapCursor struct {
	entries  []image.PagemapEntry
	pageSize uint64
	idx      int
	skip     uint64
}

func newPagemapCursor(entries []image.PagemapEntry, pageSize uint64) pagemapCursor {
	return pagemapCursor{entries: entries, pageSize: pageSize, idx: -1}
}

func (c *pagemapCursor) advance() bool {
	c.skip = 0
	c.idx++
	return c.idx < len(c.entries)
}

func (c *pagemapCursor) reset() {
	c.idx = -1
	c.skip = 0
}

func (c *pagemapCursor) entry() *image.PagemapEntry {
	if c.idx < 0 || c.idx >= len(c.entries) {
		return nil
	}
	return &c.entries[c.idx]
}

func (c *pagemapCursor) seek(addr uint64) bool {
	c.skip = 0

	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].End(c.pageSize) > addr
	})
	if i == len(c.entries) || c.entries[i].Vaddr > addr {
		c.idx = len(c.entries)
		return false
	}

	c.idx = i
	return true
}

// checkPosition verifies a ReadPages request against the cursor: the
// reader must be positioned exactly at addr and the request must not
// run past the current record.
func (c *pagemapCursor) checkPosition(addr uint64, nrPages int) error {
	e := c.entry()
	if e == nil {
		return ErrNoRecord
	}
	if pos := e.Vaddr + c.skip; pos != addr {
		return errors.Errorf("reader at %#x, requested %#x", pos, addr)
	}
	if end := addr + uint64(nrPages)*c.pageSize; end > e.End(c.pageSize) {
		return errors.Errorf("read %#x-%#x runs past pagemap record ending at %#x", addr, end, e.End(c.pageSize))
	}
	return nil
}
