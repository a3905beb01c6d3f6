// Package iov tracks, per task, the virtual-address intervals whose
// pages have not yet been delivered through userfaultfd.
package iov

import (
	"slices"

	"github.com/checkpoint-restore/go-lazy-pages/internal/image"
	"github.com/checkpoint-restore/go-lazy-pages/internal/pageread"
)

// Interval is a half-open [Base, Base+Len) range awaiting delivery.
type Interval struct {
	Base uint64
	Len  uint64
}

// Set is an address-ordered list of non-overlapping intervals. The
// union of the set is exactly the still-undelivered subset of a
// task's lazy pages.
type Set struct {
	ivs    []Interval
	maxLen uint64
}

// Collect builds the interval set of one task from its pagemap and
// VMA list, both sorted by address. Intervals correspond to lazy
// pagemap entries, split at VMA boundaries because UFFDIO_COPY may
// only operate inside a single VMA. Returns the set and the total
// number of lazy pages.
func Collect(r pageread.Reader, vmas []image.VmaEntry, pageSize uint64) (*Set, uint64, error) {
	if err := r.Reset(); err != nil {
		return nil, 0, err
	}

	s := &Set{}
	var nrPages uint64
	vi := 0

	for r.Advance() {
		e := r.Entry()
		if !e.Lazy() {
			continue
		}

		start := e.Vaddr
		end := e.End(pageSize)
		nrPages += uint64(e.NrPages)

		for ; vi < len(vmas); vi++ {
			vma := vmas[vi]
			if start >= vma.End {
				continue
			}

			length := min(end, vma.End) - start
			s.ivs = append(s.ivs, Interval{Base: start, Len: length})
			if length > s.maxLen {
				s.maxLen = length
			}

			if end <= vma.End {
				break
			}
			start = vma.End
		}
	}

	return s, nrPages, nil
}

// Deliver removes [addr, addr+length) from the set. The range may
// span several contiguous intervals (a pagemap entry split at VMA
// boundaries); a range outside any interval is ignored.
func (s *Set) Deliver(addr, length uint64) {
	for i := 0; i < len(s.ivs) && length > 0; i++ {
		start := s.ivs[i].Base
		end := start + s.ivs[i].Len

		if addr < start || addr >= end {
			continue
		}

		if addr+length < end {
			if addr == start {
				s.ivs[i].Base += length
				s.ivs[i].Len -= length
			} else {
				tail := Interval{Base: addr + length, Len: end - (addr + length)}
				s.ivs[i].Len = addr - start
				s.ivs = slices.Insert(s.ivs, i+1, tail)
			}
			return
		}

		if addr == start {
			s.ivs = slices.Delete(s.ivs, i, i+1)
			i--
		} else {
			s.ivs[i].Len = addr - start
		}

		length -= end - addr
		addr = end
	}
}

// Intervals returns a snapshot of the set, stable across Deliver
// calls on the live set.
func (s *Set) Intervals() []Interval {
	return slices.Clone(s.ivs)
}

func (s *Set) Empty() bool {
	return len(s.ivs) == 0
}

// Pending returns the number of undelivered bytes.
func (s *Set) Pending() uint64 {
	var total uint64
	for _, iv := range s.ivs {
		total += iv.Len
	}
	return total
}

// MaxLen returns the length of the longest interval observed at
// collect time; it bounds the largest single contiguous delivery.
func (s *Set) MaxLen() uint64 {
	return s.maxLen
}
