package pageread

import (
	"os"

	"github.com/pkg/errors"

	"github.com/checkpoint-restore/go-lazy-pages/internal/image"
)

// Local reads pagemap and page content from a local image directory.
type Local struct {
	cursor pagemapCursor

	pages *os.File
	// offsets holds, per pagemap record, the pages-file offset of its
	// content; -1 for zero records.
	offsets []int64

	ioComplete IOCompleteFn
}

// OpenLocal opens the image files of one task.
func OpenLocal(dir string, pid int, pageSize uint64) (*Local, error) {
	entries, err := image.LoadPagemap(dir, pid)
	if err != nil {
		return nil, err
	}

	pages, err := os.Open(image.PagesPath(dir, pid))
	if err != nil {
		return nil, errors.Wrap(err, "opening pages image")
	}

	offsets := make([]int64, len(entries))
	var off int64
	for i := range entries {
		if entries[i].Zero() {
			offsets[i] = -1
			continue
		}
		offsets[i] = off
		off += int64(entries[i].NrPages) * int64(pageSize)
	}

	return &Local{
		cursor:  newPagemapCursor(entries, pageSize),
		pages:   pages,
		offsets: offsets,
	}, nil
}

func (l *Local) Advance() bool {
	return l.cursor.advance()
}

func (l *Local) Entry() *image.PagemapEntry {
	return l.cursor.entry()
}

func (l *Local) Reset() error {
	l.cursor.reset()
	return nil
}

func (l *Local) SeekPagemap(addr uint64) (bool, error) {
	return l.cursor.seek(addr), nil
}

func (l *Local) SkipPages(bytes uint64) error {
	if l.cursor.entry() == nil {
		return ErrNoRecord
	}
	l.cursor.skip += bytes
	return nil
}

func (l *Local) SetIOComplete(fn IOCompleteFn) {
	l.ioComplete = fn
}

// ReadPages reads synchronously; the Async hint only matters to the
// remote backend. The io-complete callback fires before returning.
func (l *Local) ReadPages(addr uint64, nrPages int, buf []byte, flags Flags) (int, error) {
	if err := l.cursor.checkPosition(addr, nrPages); err != nil {
		return 0, err
	}

	off := l.offsets[l.cursor.idx]
	if off < 0 {
		return 0, errors.Errorf("pagemap record at %#x has no stored content", l.cursor.entry().Vaddr)
	}

	length := uint64(nrPages) * l.cursor.pageSize
	if _, err := l.pages.ReadAt(buf[:length], off+int64(l.cursor.skip)); err != nil {
		return 0, errors.Wrapf(err, "reading %d pages at %#x", nrPages, addr)
	}

	if l.ioComplete != nil {
		if err := l.ioComplete(addr, nrPages); err != nil {
			return 0, err
		}
	}

	return nrPages, nil
}

func (l *Local) Close() error {
	return l.pages.Close()
}
