package image

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// Writer assembles the image files of one task. It exists for image
// preparation tooling and tests; the server side only reads.
type Writer struct {
	dir      string
	pid      int
	pageSize uint64

	vmas    []VmaEntry
	entries []PagemapEntry
	pages   []byte
}

func NewWriter(dir string, pid int, pageSize uint64) *Writer {
	return &Writer{dir: dir, pid: pid, pageSize: pageSize}
}

// AddVma appends a mapping. VMAs must be added in address order.
func (w *Writer) AddVma(start, end uint64, prot, flags uint32) {
	w.vmas = append(w.vmas, VmaEntry{Start: start, End: end, Prot: prot, Flags: flags})
}

// AddPages appends a present pagemap entry with its content. The data
// length must be a whole number of pages. Entries must be added in
// address order.
func (w *Writer) AddPages(vaddr uint64, data []byte, lazy bool) error {
	if uint64(len(data))%w.pageSize != 0 {
		return errors.Errorf("page data of %d bytes is not page aligned", len(data))
	}

	flags := uint32(PEPresent)
	if lazy {
		flags |= PELazy
	}
	w.entries = append(w.entries, PagemapEntry{
		Vaddr:   vaddr,
		NrPages: uint32(uint64(len(data)) / w.pageSize),
		Flags:   flags,
	})
	w.pages = append(w.pages, data...)

	return nil
}

// AddZero appends a pagemap entry restoring as zero pages.
func (w *Writer) AddZero(vaddr uint64, nrPages uint32, lazy bool) {
	flags := uint32(0)
	if lazy {
		flags |= PELazy
	}
	w.entries = append(w.entries, PagemapEntry{Vaddr: vaddr, NrPages: nrPages, Flags: flags})
}

// Commit writes the three image files.
func (w *Writer) Commit() error {
	if err := w.writeRecords(MmPath(w.dir, w.pid), mmMagic, uint32(len(w.vmas)), w.vmas); err != nil {
		return err
	}
	if err := w.writeRecords(PagemapPath(w.dir, w.pid), pagemapMagic, uint32(len(w.entries)), w.entries); err != nil {
		return err
	}
	if err := os.WriteFile(PagesPath(w.dir, w.pid), w.pages, 0o600); err != nil {
		return errors.Wrap(err, "writing pages image")
	}
	return nil
}

func (w *Writer) writeRecords(path string, magic, count uint32, records any) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating image")
	}
	defer f.Close()

	hdr := struct {
		Magic uint32
		Count uint32
	}{magic, count}
	if err := binary.Write(f, binary.LittleEndian, hdr); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := binary.Write(f, binary.LittleEndian, records); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}

	return f.Close()
}
