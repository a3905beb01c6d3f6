package lazypages

import (
	"errors"
	"fmt"
	"io"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/checkpoint-restore/go-lazy-pages/internal/image"
	"github.com/checkpoint-restore/go-lazy-pages/internal/iov"
	"github.com/checkpoint-restore/go-lazy-pages/internal/pageread"
	"github.com/checkpoint-restore/go-lazy-pages/internal/uffd"
)

// Task is the server-side state of one restored task: its userfaultfd,
// its page reader and the intervals still awaiting delivery. Every
// resource is exclusively owned and lives until server exit.
type Task struct {
	pid      int
	fd       *uffd.FD
	pr       pageread.Reader
	iovs     *iov.Set
	buf      mmap.MMap
	pageSize uint64

	totalPages  uint64
	copiedPages uint64

	// draining is set during the post-quiescence walk; deliveries
	// then skip the interval update so the walk sees a stable list.
	draining bool

	log *zap.Logger
}

func newTask(pid int, fd *uffd.FD, pr pageread.Reader, vmas []image.VmaEntry, pageSize uint64, log *zap.Logger) (*Task, error) {
	t := &Task{
		pid:      pid,
		fd:       fd,
		pr:       pr,
		pageSize: pageSize,
		log:      log,
	}
	pr.SetIOComplete(t.ioComplete)

	set, nrPages, err := iov.Collect(pr, vmas, pageSize)
	if err != nil {
		return nil, fmt.Errorf("collecting lazy intervals for task %d: %w", pid, err)
	}
	t.iovs = set
	t.totalPages = nrPages

	if maxLen := set.MaxLen(); maxLen > 0 {
		buf, err := mmap.MapRegion(nil, int(maxLen), mmap.RDWR, mmap.ANON, 0)
		if err != nil {
			return nil, fmt.Errorf("allocating %d byte page buffer for task %d: %w", maxLen, pid, err)
		}
		t.buf = buf
	}

	log.Debug("task registered",
		zap.Int("pid", pid),
		zap.Uint64("lazy_pages", nrPages),
		zap.Int("intervals", len(set.Intervals())))

	return t, nil
}

func (t *Task) close() {
	if t.buf != nil {
		t.buf.Unmap()
	}
	t.pr.Close()
	t.fd.Close()
}

// handleUserFault consumes one message from the userfaultfd. It
// reports done when the restored task exited (end of stream); any
// malformed or non-pagefault message is fatal.
func (t *Task) handleUserFault() (done bool, err error) {
	msg, err := t.fd.ReadMsg()
	if errors.Is(err, io.EOF) {
		t.log.Debug("restored task is gone", zap.Int("pid", t.pid))
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading userfaultfd message for task %d: %w", t.pid, err)
	}

	if msg.Event != uffd.EventPagefault {
		return false, fmt.Errorf("unexpected userfaultfd event %#x from task %d", msg.Event, t.pid)
	}

	addr := msg.Pagefault().Address &^ (t.pageSize - 1)
	t.log.Debug("page fault", zap.Int("pid", t.pid), zap.Uint64("addr", addr))

	return false, t.handlePages(addr, 1, pageread.Async|pageread.Asap)
}

// handlePages services nrPages starting at addr: classify against the
// pagemap, install zeroes directly or fetch content into the scratch
// buffer. Installation of fetched content happens in the io-complete
// callback, synchronously for the local backend and when the reply
// arrives for the remote one.
func (t *Task) handlePages(addr uint64, nrPages int, flags pageread.Flags) error {
	if err := t.pr.Reset(); err != nil {
		return err
	}

	found, err := t.pr.SeekPagemap(addr)
	if err != nil {
		return err
	}
	if !found {
		// Not in the image: a freshly demanded anonymous page. It
		// maps to the zero pfn and is not part of the lazy totals.
		return t.zeroPages(addr, nrPages, false)
	}
	if t.pr.Entry().Zero() {
		return t.zeroPages(addr, nrPages, true)
	}

	if err := t.pr.SkipPages(addr - t.pr.Entry().Vaddr); err != nil {
		return err
	}

	n, err := t.pr.ReadPages(addr, nrPages, t.buf, flags)
	if err != nil {
		return fmt.Errorf("reading %d pages at %#x for task %d: %w", nrPages, addr, t.pid, err)
	}
	if n <= 0 {
		return fmt.Errorf("page read at %#x for task %d returned %d", addr, t.pid, n)
	}

	return nil
}

func (t *Task) ioComplete(addr uint64, nrPages int) error {
	if err := t.copyPages(addr, nrPages); err != nil {
		return err
	}
	t.accountDelivery(addr, nrPages)
	return nil
}

// copyPages installs nrPages from the scratch buffer. A copy field of
// -EEXIST means another fault raced us to this page and is success;
// any other deviation is fatal.
func (t *Task) copyPages(addr uint64, nrPages int) error {
	length := uint64(nrPages) * t.pageSize

	t.log.Debug("uffd copy", zap.Int("pid", t.pid), zap.Uint64("addr", addr), zap.Uint64("len", length))
	copied, err := t.fd.Copy(addr, uintptr(unsafe.Pointer(&t.buf[0])), length)
	if err != nil {
		if copied != -int64(unix.EEXIST) {
			return fmt.Errorf("UFFDIO_COPY at %#x for task %d: %w (copy=%d)", addr, t.pid, err, copied)
		}
	} else if copied != int64(length) {
		return fmt.Errorf("UFFDIO_COPY at %#x for task %d: unexpected size %d", addr, t.pid, copied)
	}

	// Counted per submission, even when the copy lost the race.
	t.copiedPages += uint64(nrPages)

	return nil
}

// zeroPages installs zero-filled pages. Zero records of the image are
// accounted like copies; record-less addresses are not, they are
// outside the lazy totals.
func (t *Task) zeroPages(addr uint64, nrPages int, inImage bool) error {
	length := uint64(nrPages) * t.pageSize

	t.log.Debug("uffd zero", zap.Int("pid", t.pid), zap.Uint64("addr", addr), zap.Uint64("len", length))
	if _, err := t.fd.ZeroPage(addr, length); err != nil {
		return fmt.Errorf("UFFDIO_ZEROPAGE at %#x for task %d: %w", addr, t.pid, err)
	}

	if inImage {
		t.copiedPages += uint64(nrPages)
		t.accountDelivery(addr, nrPages)
	}

	return nil
}

func (t *Task) accountDelivery(addr uint64, nrPages int) {
	if t.draining {
		return
	}
	t.iovs.Deliver(addr, uint64(nrPages)*t.pageSize)
}

// drain proactively delivers every interval still pending once
// fault-driven traffic has ceased.
func (t *Task) drain() error {
	t.draining = true

	if err := t.pr.Reset(); err != nil {
		return err
	}

	for _, interval := range t.iovs.Intervals() {
		if err := t.handlePages(interval.Base, int(interval.Len/t.pageSize), 0); err != nil {
			return fmt.Errorf("draining task %d: %w", t.pid, err)
		}
	}

	return nil
}

// summary reports delivery accounting; it returns 1 when the copied
// count differs from the lazy total (missing pages, or submissions
// over-counted by a copy race), which accumulates into the server's
// exit code.
func (t *Task) summary() int {
	t.log.Debug("transferred pages",
		zap.Int("pid", t.pid),
		zap.Uint64("copied", t.copiedPages),
		zap.Uint64("total", t.totalPages))

	if t.copiedPages != t.totalPages && t.totalPages > 0 {
		t.log.Warn("not all pages were transferred through uffd",
			zap.Int("pid", t.pid),
			zap.Uint64("copied", t.copiedPages),
			zap.Uint64("total", t.totalPages))
		return 1
	}

	return 0
}
