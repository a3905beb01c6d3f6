// Package image models the checkpoint image files the lazy-pages
// server consumes: per-task VMA lists, pagemap records and raw page
// content. All records are fixed-width little-endian.
package image

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	mmMagic      uint32 = 0x4c504d4d // "LPMM"
	pagemapMagic uint32 = 0x4c50504d // "LPPM"
)

// Pagemap entry flags.
const (
	// PELazy marks content that is delivered on demand through
	// userfaultfd instead of at restore time.
	PELazy = 1 << iota
	// PEPresent marks entries whose content is stored in the pages
	// file; entries without it restore as zero pages.
	PEPresent
)

// VmaEntry describes one mapping of the checkpointed address space.
type VmaEntry struct {
	Start uint64
	End   uint64
	Prot  uint32
	Flags uint32
}

// PagemapEntry describes a run of pages starting at Vaddr.
type PagemapEntry struct {
	Vaddr   uint64
	NrPages uint32
	Flags   uint32
}

func (e *PagemapEntry) Lazy() bool {
	return e.Flags&PELazy != 0
}

func (e *PagemapEntry) Zero() bool {
	return e.Flags&PEPresent == 0
}

func (e *PagemapEntry) End(pageSize uint64) uint64 {
	return e.Vaddr + uint64(e.NrPages)*pageSize
}

func MmPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("mm-%d.img", pid))
}

func PagemapPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("pagemap-%d.img", pid))
}

func PagesPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("pages-%d.img", pid))
}

func readHeader(r io.Reader, magic uint32) (uint32, error) {
	var hdr struct {
		Magic uint32
		Count uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, err
	}
	if hdr.Magic != magic {
		return 0, errors.Errorf("bad image magic %#x, want %#x", hdr.Magic, magic)
	}
	return hdr.Count, nil
}

// LoadVmas reads the VMA list of a task, sorted by start address.
func LoadVmas(dir string, pid int) ([]VmaEntry, error) {
	path := MmPath(dir, pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening mm image")
	}
	defer f.Close()

	count, err := readHeader(f, mmMagic)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	vmas := make([]VmaEntry, count)
	if err := binary.Read(f, binary.LittleEndian, vmas); err != nil {
		return nil, errors.Wrapf(err, "reading %d VMAs from %s", count, path)
	}

	return vmas, nil
}

// LoadPagemap reads the pagemap records of a task, sorted by address.
func LoadPagemap(dir string, pid int) ([]PagemapEntry, error) {
	path := PagemapPath(dir, pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening pagemap image")
	}
	defer f.Close()

	count, err := readHeader(f, pagemapMagic)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	entries := make([]PagemapEntry, count)
	if err := binary.Read(f, binary.LittleEndian, entries); err != nil {
		return nil, errors.Wrapf(err, "reading %d pagemap entries from %s", count, path)
	}

	return entries, nil
}
