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

// Package section implements mapped file sections: chains of subsections
// holding the prototype PTEs of a file's pages.
//
// The subsection chain is published lock-free. Readers walk it through
// atomic next pointers and pin each subsection they enter with a view
// reference; truncation unpublishes trailing subsections that hold no views.
// Chain mutations and the start-page index are serialized by Section.mu.
package section

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"mmpf.dev/mmpf/pkg/errors/linuxerr"
	"mmpf.dev/mmpf/pkg/hostarch"
	"mmpf.dev/mmpf/pkg/log"
	"mmpf.dev/mmpf/pkg/refs"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
	"mmpf.dev/mmpf/pkg/sentry/storage"
)

// Kind is the kind of a section.
type Kind int

const (
	// File sections map a data file.
	File Kind = iota

	// Image sections map an executable image.
	Image

	// Physical sections map physical memory.
	Physical

	// ROM sections map read-only memory.
	ROM

	// NoFile sections are backed by the paging file only.
	NoFile
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case File:
		return "File"
	case Image:
		return "Image"
	case Physical:
		return "Physical"
	case ROM:
		return "ROM"
	case NoFile:
		return "NoFile"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// DefaultSubsectionPages is the default number of PTEs per subsection.
const DefaultSubsectionPages = 64

// Subsection is a contiguous run of prototype PTEs.
type Subsection struct {
	section   *Section
	startPage uint64

	// ptes are the subsection's prototype PTEs. The slice never changes;
	// the PTEs are protected by the frame lock.
	ptes []pfn.PTE

	// next is the following subsection in the chain.
	next atomic.Pointer[Subsection]

	// views holds one base reference for the chain plus one per view. It is
	// destroyed (and AddViews fails) once the subsection is unpublished.
	views refs.AtomicRefCount
}

// StartPage returns the file page index of the subsection's first PTE.
func (ss *Subsection) StartPage() uint64 { return ss.startPage }

// Pages returns the number of PTEs in the subsection.
func (ss *Subsection) Pages() int { return len(ss.ptes) }

// PTE returns the PTE for page i of the subsection.
func (ss *Subsection) PTE(i int) *pfn.PTE { return &ss.ptes[i] }

// Next returns the next subsection in the chain, or nil.
//
// The atomic load orders reads of the returned subsection's fields after its
// publication.
func (ss *Subsection) Next() *Subsection { return ss.next.Load() }

// AddViews takes n view references on the subsection. It fails with ENOENT
// if the subsection has been unpublished.
func (ss *Subsection) AddViews(n int) error {
	if n <= 0 {
		panic(fmt.Sprintf("AddViews(%d)", n))
	}
	if !ss.views.TryIncRefN(int64(n)) {
		return linuxerr.ENOENT
	}
	return nil
}

// RemoveViews drops n view references taken by AddViews.
func (ss *Subsection) RemoveViews(n int) {
	ss.views.DecRefNWithDestructor(int64(n), func() {
		panic(fmt.Sprintf("subsection at page %d lost its base reference", ss.startPage))
	})
}

// Views returns the number of outstanding view references.
func (ss *Subsection) Views() int64 {
	return ss.views.ReadRefs() - 1
}

// Section is a mapped file.
type Section struct {
	kind Kind
	file storage.File

	subsectionPages int

	// first is the head of the subsection chain. It is never unpublished.
	first atomic.Pointer[Subsection]

	// mu serializes chain mutations and protects the fields below.
	mu sync.Mutex

	// index holds published subsections by start page.
	index *btree.BTreeG[*Subsection]

	// tail is the last published subsection.
	tail *Subsection

	// pages is the number of pages covered by published subsections.
	pages uint64
}

func subsectionLess(a, b *Subsection) bool {
	return a.startPage < b.startPage
}

// New returns a section of the given kind mapping size bytes of file, split
// into subsections of subsectionPages PTEs each (DefaultSubsectionPages if
// zero).
func New(kind Kind, file storage.File, size uint64, subsectionPages int) (*Section, error) {
	if subsectionPages == 0 {
		subsectionPages = DefaultSubsectionPages
	}
	if subsectionPages < 0 {
		return nil, fmt.Errorf("invalid subsection size %d", subsectionPages)
	}
	if kind == File && file == nil {
		return nil, fmt.Errorf("file section without a file: %w", linuxerr.EINVAL)
	}
	s := &Section{
		kind:            kind,
		file:            file,
		subsectionPages: subsectionPages,
		index:           btree.NewG(8, subsectionLess),
	}
	end, ok := hostarch.PageRoundUp(size)
	if !ok {
		return nil, linuxerr.EFBIG
	}
	pages := end >> hostarch.PageShift
	if pages == 0 {
		pages = 1
	}
	s.Extend(pages)
	refs.Register(s)
	return s, nil
}

// Kind returns the section's kind.
func (s *Section) Kind() Kind { return s.kind }

// File returns the file the section maps. It is nil for NoFile sections.
func (s *Section) File() storage.File { return s.file }

// Pages returns the number of pages the section currently covers.
func (s *Section) Pages() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages
}

// First returns the first subsection.
func (s *Section) First() *Subsection { return s.first.Load() }

// Extend grows the section to cover at least pages pages, appending and
// publishing new subsections.
func (s *Section) Extend(pages uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pages < pages {
		n := uint64(s.subsectionPages)
		if rem := pages - s.pages; rem < n {
			n = rem
		}
		ss := &Subsection{
			section:   s,
			startPage: s.pages,
			ptes:      make([]pfn.PTE, n),
		}
		for i := range ss.ptes {
			ss.ptes[i] = pfn.MakePrototype((ss.startPage + uint64(i)) << hostarch.PageShift)
		}
		// Publish only once fully initialized.
		if s.tail == nil {
			s.first.Store(ss)
		} else {
			s.tail.next.Store(ss)
		}
		s.tail = ss
		s.index.ReplaceOrInsert(ss)
		s.pages += n
	}
}

// Truncate unpublishes trailing subsections lying entirely at or beyond page
// pages, from the end backwards, stopping at the first one that holds views.
// The first subsection is never unpublished. Standby frames backing
// unpublished PTEs are reclaimed through reg.
//
// It returns the number of pages the section covers afterwards.
func (s *Section) Truncate(reg *pfn.Registry, pages uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []*Subsection
	s.index.AscendGreaterOrEqual(&Subsection{startPage: pages}, func(ss *Subsection) bool {
		if ss.startPage > 0 {
			victims = append(victims, ss)
		}
		return true
	})

	var dropped []*Subsection
	for i := len(victims) - 1; i >= 0; i-- {
		ss := victims[i]
		if !ss.views.TryDropLast() {
			log.Debugf("Truncation of %s stopped at page %d: %d views", s.name(), ss.startPage, ss.Views())
			break
		}
		dropped = append(dropped, ss)
	}
	if len(dropped) == 0 {
		return s.pages
	}

	// dropped is in reverse chain order; the last entry is the new end.
	head := dropped[len(dropped)-1]
	var newTail *Subsection
	s.index.DescendLessOrEqual(&Subsection{startPage: head.startPage - 1}, func(ss *Subsection) bool {
		newTail = ss
		return false
	})
	newTail.next.Store(nil)
	s.tail = newTail
	s.pages = head.startPage

	reg.Lock()
	for _, ss := range dropped {
		s.index.Delete(ss)
		for i := range ss.ptes {
			reg.PurgeLocked(&ss.ptes[i])
		}
	}
	reg.Unlock()
	return s.pages
}

// Release unpublishes every subsection but the first and stops tracking the
// section for leaks. It returns false if views are still held.
func (s *Section) Release(reg *pfn.Registry) bool {
	s.Truncate(reg, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index.Len() != 1 || s.first.Load().Views() != 0 {
		return false
	}
	refs.Unregister(s)
	return true
}

func (s *Section) name() string {
	if s.file == nil {
		return fmt.Sprintf("%v section", s.kind)
	}
	return fmt.Sprintf("%v section of %s", s.kind, s.file.Name())
}

// RefType implements refs.CheckedObject.RefType.
func (s *Section) RefType() string {
	return "section.Section"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (s *Section) LeakMessage() string {
	views := int64(0)
	for ss := s.First(); ss != nil; ss = ss.Next() {
		views += ss.Views()
	}
	return fmt.Sprintf("[%s %p] %d outstanding views", s.name(), s, views)
}

// lookup returns the published subsection containing page, or nil.
func (s *Section) lookup(page uint64) *Subsection {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Subsection
	s.index.DescendLessOrEqual(&Subsection{startPage: page}, func(ss *Subsection) bool {
		found = ss
		return false
	})
	if found == nil || page >= found.startPage+uint64(len(found.ptes)) {
		return nil
	}
	return found
}
