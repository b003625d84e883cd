// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mdl provides memory descriptor lists: arrays of frames describing
// a byte range of memory.
package mdl

import (
	"fmt"
	"strings"

	"mmpf.dev/mmpf/pkg/hostarch"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
	"mmpf.dev/mmpf/pkg/sentry/pool"
)

// Flags are descriptor flags.
type Flags uint32

const (
	// PagesLocked means the descriptor holds a locked reference on each of
	// its frames.
	PagesLocked Flags = 1 << iota

	// IOPageRead means the descriptor is the target of a page read.
	IOPageRead

	// Embedded means the descriptor's page array lives in inline storage
	// owned by someone else and it has no pool allocation.
	Embedded
)

// String implements fmt.Stringer.
func (f Flags) String() string {
	var s []string
	for _, b := range []struct {
		flag Flags
		name string
	}{
		{PagesLocked, "PagesLocked"},
		{IOPageRead, "IOPageRead"},
		{Embedded, "Embedded"},
	} {
		if f&b.flag != 0 {
			s = append(s, b.name)
			f &^= b.flag
		}
	}
	if f != 0 {
		s = append(s, fmt.Sprintf("%#x", uint32(f)))
	}
	if len(s) == 0 {
		return "0"
	}
	return strings.Join(s, "|")
}

// headerBytes is the pool charge of a descriptor besides its page array.
const headerBytes = 48

// SizeOf returns the pool charge of a descriptor of the given page count.
func SizeOf(pages int) int64 {
	return headerBytes + 4*int64(pages)
}

// Descriptor describes byteCount bytes starting byteOffset bytes into its
// first frame.
type Descriptor struct {
	pages      []pfn.FrameID
	byteOffset int
	byteCount  int
	flags      Flags

	// resident is the number of pages charged resident on behalf of the
	// descriptor.
	resident int

	// alloc is nil once embedded or freed.
	alloc *pool.Allocation
}

// New allocates a descriptor for byteCount bytes starting byteOffset bytes
// into the first page. Every page slot starts as pfn.NoFrame. It fails with
// ENOMEM if the pool is exhausted.
func New(p *pool.Pool, tag pool.Tag, byteOffset, byteCount int) (*Descriptor, error) {
	if byteOffset < 0 || byteOffset >= hostarch.PageSize || byteCount <= 0 {
		panic(fmt.Sprintf("descriptor for %d bytes at offset %d", byteCount, byteOffset))
	}
	n, _ := hostarch.PagesSpanned(uint64(byteOffset), uint64(byteCount))
	alloc, err := p.Allocate(tag, SizeOf(int(n)))
	if err != nil {
		return nil, err
	}
	d := &Descriptor{
		pages:      make([]pfn.FrameID, n),
		byteOffset: byteOffset,
		byteCount:  byteCount,
		alloc:      alloc,
	}
	for i := range d.pages {
		d.pages[i] = pfn.NoFrame
	}
	return d, nil
}

// Len returns the number of pages described.
func (d *Descriptor) Len() int { return len(d.pages) }

// Page returns the frame of page i.
func (d *Descriptor) Page(i int) pfn.FrameID { return d.pages[i] }

// SetPage sets the frame of page i.
func (d *Descriptor) SetPage(i int, id pfn.FrameID) { d.pages[i] = id }

// Pages returns the page array. The caller must not modify it.
func (d *Descriptor) Pages() []pfn.FrameID { return d.pages }

// ByteOffset returns the offset of the data in the first page.
func (d *Descriptor) ByteOffset() int { return d.byteOffset }

// ByteCount returns the number of bytes described.
func (d *Descriptor) ByteCount() int { return d.byteCount }

// Flags returns the descriptor's flags.
func (d *Descriptor) Flags() Flags { return d.flags }

// SetFlags sets flags in addition to those already set.
func (d *Descriptor) SetFlags(f Flags) { d.flags |= f }

// ClearFlags clears flags.
func (d *Descriptor) ClearFlags(f Flags) { d.flags &^= f }

// ResidentCharge returns the number of pages charged resident on behalf of
// the descriptor.
func (d *Descriptor) ResidentCharge() int { return d.resident }

// SetResidentCharge records the resident charge held by the descriptor.
func (d *Descriptor) SetResidentCharge(n int) { d.resident = n }

// Trim drops lead pages from the front and trail pages from the back. The
// descriptor must describe whole pages.
func (d *Descriptor) Trim(lead, trail int) {
	if d.byteOffset != 0 || d.byteCount != len(d.pages)*hostarch.PageSize {
		panic(fmt.Sprintf("trimming partial-page descriptor: offset %d, %d bytes, %d pages", d.byteOffset, d.byteCount, len(d.pages)))
	}
	if lead < 0 || trail < 0 || lead+trail >= len(d.pages) {
		panic(fmt.Sprintf("trimming %d+%d pages of %d", lead, trail, len(d.pages)))
	}
	d.pages = d.pages[lead : len(d.pages)-trail]
	d.byteCount = len(d.pages) * hostarch.PageSize
}

// Embed moves the page array into inline, which must be large enough, and
// frees the descriptor's own allocation.
func (d *Descriptor) Embed(inline []pfn.FrameID) {
	if d.alloc == nil {
		panic("embedding a descriptor without an allocation")
	}
	n := copy(inline, d.pages)
	if n != len(d.pages) {
		panic(fmt.Sprintf("embedding %d pages into %d slots", len(d.pages), len(inline)))
	}
	d.pages = inline[:n:n]
	d.flags |= Embedded
	d.alloc.Free()
	d.alloc = nil
}

// Free frees the descriptor's allocation. Freeing an embedded descriptor is
// a no-op; freeing twice panics.
func (d *Descriptor) Free() {
	if d.flags&Embedded != 0 {
		return
	}
	if d.alloc == nil {
		panic("double free of descriptor")
	}
	d.alloc.Free()
	d.alloc = nil
}

// String implements fmt.Stringer.
func (d *Descriptor) String() string {
	return fmt.Sprintf("mdl{%d pages, offset %d, %d bytes, %v}", len(d.pages), d.byteOffset, d.byteCount, d.flags)
}
