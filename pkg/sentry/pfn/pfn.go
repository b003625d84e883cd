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

// Package pfn implements the frame registry: the table of physical page
// frames, their reference counts and list membership, and the page table
// entries that point at them.
//
// Lock order:
//
//	section.Section.mu
//		Registry.mu ("the frame lock")
//
// All frame and PTE state is protected by the frame lock. Methods with a
// Locked suffix require it; Lock and Unlock acquire and release it.
package pfn

import (
	"fmt"
	"math"
	"sync"

	"mmpf.dev/mmpf/pkg/ilist"
)

// FrameID identifies a frame in a Registry.
type FrameID uint32

// NoFrame is an invalid FrameID.
const NoFrame FrameID = math.MaxUint32

// MaxRefCount is the largest reference count a frame can hold. Callers that
// add more than one reference at a time must check against it first; AddRef
// past it panics.
const MaxRefCount = math.MaxUint16

// State is the list state of a frame.
type State uint8

const (
	// Free frames hold stale data and are available for allocation.
	Free State = iota

	// Zeroed frames are zero-filled and available for allocation.
	Zeroed

	// Standby frames are unreferenced but still back a Transition PTE. They
	// can be soft-faulted back or reclaimed.
	Standby

	// Modified frames are Standby frames whose contents must be written
	// before reclaim.
	Modified

	// Active frames are referenced and either back a Valid PTE or are owned
	// without any PTE (e.g. a placeholder).
	Active

	// Transition frames are referenced and back a Transition PTE.
	Transition
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case Zeroed:
		return "Zeroed"
	case Standby:
		return "Standby"
	case Modified:
		return "Modified"
	case Active:
		return "Active"
	case Transition:
		return "Transition"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// PTEKind is the variant tag of a PTE.
type PTEKind uint8

const (
	// Prototype PTEs have no frame; the page must be read from its file.
	Prototype PTEKind = iota

	// PageFile PTEs have no frame; the page contents were moved to a paging
	// file.
	PageFile

	// TransitionPTE entries point at a resident frame that is not mapped.
	TransitionPTE

	// Valid entries point at a resident, mapped frame.
	Valid
)

// String implements fmt.Stringer.
func (k PTEKind) String() string {
	switch k {
	case Prototype:
		return "Prototype"
	case PageFile:
		return "PageFile"
	case TransitionPTE:
		return "Transition"
	case Valid:
		return "Valid"
	default:
		return fmt.Sprintf("PTEKind(%d)", k)
	}
}

// PTE is a prototype page table entry describing one page of a mapped file.
//
// The zero value is a Prototype PTE for file offset 0. PTEs are mutated only
// by Registry methods with the frame lock held; readers must hold it too.
type PTE struct {
	kind  PTEKind
	frame FrameID

	// offset is the byte offset of the page in its file.
	offset uint64

	// pagingOffset is the paging file offset when kind == PageFile.
	pagingOffset uint64
}

// MakePrototype returns a Prototype PTE for the page at the given file
// offset.
func MakePrototype(offset uint64) PTE {
	return PTE{kind: Prototype, frame: NoFrame, offset: offset}
}

// Kind returns the PTE's variant.
func (p *PTE) Kind() PTEKind { return p.kind }

// Frame returns the frame a TransitionPTE or Valid PTE points at, and
// NoFrame otherwise.
func (p *PTE) Frame() FrameID {
	if p.kind == TransitionPTE || p.kind == Valid {
		return p.frame
	}
	return NoFrame
}

// Offset returns the file offset of the page.
func (p *PTE) Offset() uint64 { return p.offset }

// PagingOffset returns the paging file offset of a PageFile PTE.
func (p *PTE) PagingOffset() uint64 { return p.pagingOffset }

// String implements fmt.Stringer.
func (p PTE) String() string {
	switch p.kind {
	case TransitionPTE, Valid:
		return fmt.Sprintf("%v{frame %d, off %#x}", p.kind, p.frame, p.offset)
	case PageFile:
		return fmt.Sprintf("PageFile{off %#x, paging %#x}", p.offset, p.pagingOffset)
	default:
		return fmt.Sprintf("Prototype{off %#x}", p.offset)
	}
}

// Event is a one-shot notification used to wait for an in-flight read.
type Event struct {
	ch   chan struct{}
	once sync.Once
}

// NewEvent returns an unset Event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set sets the event, waking all waiters. Setting an event twice is a no-op.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// Done returns a channel that is closed when the event is set.
func (e *Event) Done() <-chan struct{} {
	return e.ch
}

// IsSet returns true if the event has been set.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Frame is one physical page frame.
//
// All fields are protected by the frame lock.
type Frame struct {
	ilist.Entry[*Frame]

	id    FrameID
	refs  uint16
	state State
	color int

	readInProgress  bool
	inPageError     bool
	writeInProgress bool
	modified        bool

	// readStatus is the error the failed read completed with. Only valid if
	// inPageError is set.
	readStatus error

	// pte is the PTE this frame backs, if any.
	pte *PTE

	// original is the content of pte before the frame was attached. It is
	// restored when the frame is detached.
	original PTE

	// event is set while readInProgress is set.
	event *Event

	// list is the list the frame is on, or nil.
	list *ilist.List[*Frame]
}

// ID returns the frame's id.
func (f *Frame) ID() FrameID { return f.id }

// RefCount returns the frame's reference count.
func (f *Frame) RefCount() uint16 { return f.refs }

// State returns the frame's state.
func (f *Frame) State() State { return f.state }

// Color returns the frame's cache color.
func (f *Frame) Color() int { return f.color }

// ReadInProgress returns true if a read into the frame is in flight.
func (f *Frame) ReadInProgress() bool { return f.readInProgress }

// InPageError returns true if the read into the frame failed.
func (f *Frame) InPageError() bool { return f.inPageError }

// ReadStatus returns the error of the failed read, if InPageError.
func (f *Frame) ReadStatus() error { return f.readStatus }

// WriteInProgress returns true if the modified-page writer holds the frame.
func (f *Frame) WriteInProgress() bool { return f.writeInProgress }

// Modified returns true if the frame's contents must be written before reuse.
func (f *Frame) Modified() bool { return f.modified }

// Event returns the frame's wait handle. It is nil unless ReadInProgress.
func (f *Frame) Event() *Event { return f.event }

// PTE returns the PTE backed by the frame, or nil.
func (f *Frame) PTE() *PTE { return f.pte }

// Info is a snapshot of a frame's state.
type Info struct {
	Refs            uint16
	State           State
	ReadInProgress  bool
	InPageError     bool
	WriteInProgress bool
	Modified        bool
	HasPTE          bool
}

func (f *Frame) info() Info {
	return Info{
		Refs:            f.refs,
		State:           f.state,
		ReadInProgress:  f.readInProgress,
		InPageError:     f.inPageError,
		WriteInProgress: f.writeInProgress,
		Modified:        f.modified,
		HasPTE:          f.pte != nil,
	}
}
