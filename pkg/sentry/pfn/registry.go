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

package pfn

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"mmpf.dev/mmpf/pkg/cleanup"
	"mmpf.dev/mmpf/pkg/errors/linuxerr"
	"mmpf.dev/mmpf/pkg/hostarch"
	"mmpf.dev/mmpf/pkg/ilist"
	"mmpf.dev/mmpf/pkg/log"
	"mmpf.dev/mmpf/pkg/metric"
	"mmpf.dev/mmpf/pkg/sentry/usage"
)

var (
	reclaimedFrames = metric.MustCreateNewUint64Metric("/mm/frames/reclaimed", "Number of standby frames reclaimed for reuse.")
	memoryWaits     = metric.MustCreateNewUint64Metric("/mm/frames/memory_waits", "Number of waits for available memory.",
		metric.NewField("result", []string{"available", "timeout"}))
)

// Options configures a Registry.
type Options struct {
	// Frames is the number of frames in the registry.
	Frames int

	// Colors is the number of cache colors. Zero means 1.
	Colors int

	// LowMemoryPages is the available-frame count below which callers
	// needing a new frame wait for memory first.
	LowMemoryPages int

	// ResidentReserve is the number of frames that may never be charged as
	// resident (locked).
	ResidentReserve int
}

// Stats counts frames by state.
type Stats struct {
	Free       int
	Zeroed     int
	Standby    int
	Modified   int
	Active     int
	Transition int

	// References is the sum of all frame reference counts.
	References uint64

	// ResidentAvailable is the number of frames that can still be charged as
	// resident.
	ResidentAvailable int
}

// Registry is the frame registry.
type Registry struct {
	// mu is the frame lock. It protects all fields below and every Frame and
	// PTE.
	mu sync.Mutex

	frames []Frame

	// mem is the frame arena: len(frames) pages.
	mem []byte

	colors    int
	lowMemory int

	free     []ilist.List[*Frame]
	zeroed   []ilist.List[*Frame]
	standby  ilist.List[*Frame]
	modified ilist.List[*Frame]

	// residentAvailable is the number of frames that can still be charged
	// as resident.
	residentAvailable int

	// availableWaiters is the number of goroutines blocked in
	// WaitForAvailableMemoryLocked. availableCh is closed and replaced when
	// frames become available while there are waiters.
	availableWaiters int
	availableCh      chan struct{}

	usage usage.MemoryLocked
}

// New returns a Registry backed by a fresh anonymous mapping.
func New(opts Options) (*Registry, error) {
	if opts.Frames <= 0 || opts.Frames >= int(NoFrame) {
		return nil, fmt.Errorf("invalid frame count %d", opts.Frames)
	}
	if opts.Colors <= 0 {
		opts.Colors = 1
	}
	if opts.Colors > opts.Frames {
		return nil, fmt.Errorf("%d colors exceeds %d frames", opts.Colors, opts.Frames)
	}
	if opts.LowMemoryPages < 0 || opts.ResidentReserve < 0 || opts.ResidentReserve > opts.Frames {
		return nil, fmt.Errorf("invalid memory thresholds: low %d, reserve %d", opts.LowMemoryPages, opts.ResidentReserve)
	}

	mem, err := unix.Mmap(-1, 0, opts.Frames*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d frames: %w", opts.Frames, err)
	}
	cu := cleanup.Make(func() { unix.Munmap(mem) })
	defer cu.Clean()

	// The arena is never dumped; it only holds file data.
	if err := unix.Madvise(mem, unix.MADV_DONTDUMP); err != nil {
		return nil, fmt.Errorf("madvise arena: %w", err)
	}

	r := &Registry{
		frames:            make([]Frame, opts.Frames),
		mem:               mem,
		colors:            opts.Colors,
		lowMemory:         opts.LowMemoryPages,
		free:              make([]ilist.List[*Frame], opts.Colors),
		zeroed:            make([]ilist.List[*Frame], opts.Colors),
		residentAvailable: opts.Frames - opts.ResidentReserve,
		availableCh:       make(chan struct{}),
	}
	// A fresh anonymous mapping is zero-filled.
	for i := range r.frames {
		f := &r.frames[i]
		f.id = FrameID(i)
		f.color = i % r.colors
		f.state = Zeroed
		f.original = MakePrototype(0)
		r.pushLocked(&r.zeroed[f.color], f)
	}
	cu.Release()
	log.Debugf("Frame registry: %d frames, %d colors, arena %#x bytes", opts.Frames, opts.Colors, len(mem))
	return r, nil
}

// Release unmaps the frame arena. The Registry must not be used afterwards.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			panic(fmt.Sprintf("failed to unmap frame arena: %v", err))
		}
		r.mem = nil
	}
}

// Lock acquires the frame lock.
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases the frame lock.
func (r *Registry) Unlock() { r.mu.Unlock() }

// NumFrames returns the number of frames in the registry.
func (r *Registry) NumFrames() int { return len(r.frames) }

// Colors returns the number of cache colors.
func (r *Registry) Colors() int { return r.colors }

// FrameLocked returns the frame with the given id.
//
// Preconditions: r.mu must be locked.
func (r *Registry) FrameLocked(id FrameID) *Frame {
	return &r.frames[id]
}

// FrameData returns the memory of the given frame. The caller must own a
// reference that keeps the frame from being reused: either a read-in-progress
// frame it initialized, or a locked reference.
func (r *Registry) FrameData(id FrameID) []byte {
	off := int(id) * hostarch.PageSize
	return r.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Info returns a snapshot of the given frame.
func (r *Registry) Info(id FrameID) Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[id].info()
}

// Stats returns a snapshot of frame counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.StatsLocked()
}

// StatsLocked is Stats with the frame lock held.
//
// Preconditions: r.mu must be locked.
func (r *Registry) StatsLocked() Stats {
	s := Stats{ResidentAvailable: r.residentAvailable}
	for i := range r.frames {
		f := &r.frames[i]
		s.References += uint64(f.refs)
		switch f.state {
		case Free:
			s.Free++
		case Zeroed:
			s.Zeroed++
		case Standby:
			s.Standby++
		case Modified:
			s.Modified++
		case Active:
			s.Active++
		case Transition:
			s.Transition++
		}
	}
	return s
}

// Usage returns a snapshot of the registry's memory usage.
func (r *Registry) Usage() usage.MemoryStats {
	return r.usage.Copy()
}

// AccountNonpaged records nonpaged pool usage against the registry.
func (r *Registry) AccountNonpaged(bytes int64) {
	if bytes >= 0 {
		r.usage.Inc(uint64(bytes), usage.Nonpaged)
	} else {
		r.usage.Dec(uint64(-bytes), usage.Nonpaged)
	}
}

func (r *Registry) pushLocked(l *ilist.List[*Frame], f *Frame) {
	if f.list != nil {
		panic(fmt.Sprintf("frame %d already on a list", f.id))
	}
	l.PushBack(f)
	f.list = l
}

func (r *Registry) unlinkLocked(f *Frame) {
	if f.list == nil {
		panic(fmt.Sprintf("frame %d (%v) is not on a list", f.id, f.state))
	}
	f.list.Remove(f)
	f.list = nil
}

// AvailableLocked returns the number of frames that can be allocated without
// waiting: free, zeroed and standby frames.
//
// Preconditions: r.mu must be locked.
func (r *Registry) AvailableLocked() int {
	n := r.standby.Len()
	for c := 0; c < r.colors; c++ {
		n += r.free[c].Len() + r.zeroed[c].Len()
	}
	return n
}

// LowMemoryLocked returns true if available memory is below the low-memory
// threshold.
//
// Preconditions: r.mu must be locked.
func (r *Registry) LowMemoryLocked() bool {
	return r.AvailableLocked() < r.lowMemory
}

// signalAvailableLocked wakes goroutines waiting for available memory.
func (r *Registry) signalAvailableLocked() {
	if r.availableWaiters > 0 {
		close(r.availableCh)
		r.availableCh = make(chan struct{})
		r.availableWaiters = 0
	}
}

// WaitForAvailableMemoryLocked waits until a frame is returned to an
// available list or timeout elapses. It returns true if it had to wait, in
// which case the frame lock was dropped and reacquired and the caller must
// revalidate everything it read under the lock.
//
// Preconditions: r.mu must be locked.
// Postconditions: r.mu is locked.
func (r *Registry) WaitForAvailableMemoryLocked(timeout time.Duration) bool {
	if !r.LowMemoryLocked() && r.AvailableLocked() > 0 {
		return false
	}
	ch := r.availableCh
	r.availableWaiters++
	r.mu.Unlock()

	t := time.NewTimer(timeout)
	select {
	case <-ch:
		memoryWaits.Increment("available")
	case <-t.C:
		memoryWaits.Increment("timeout")
	}
	t.Stop()

	r.mu.Lock()
	return true
}

// TakeFreeFrameLocked removes a frame from the available lists and returns it
// with a reference count of one, in the Active state and backing no PTE.
// Frames of the given color are preferred, zeroed before free; any color is
// used next; the oldest standby frame is reclaimed last, restoring its PTE.
//
// Returns ENOMEM if no frame is available.
//
// Preconditions: r.mu must be locked.
func (r *Registry) TakeFreeFrameLocked(color int) (FrameID, error) {
	if color < 0 {
		color = -color
	}
	color %= r.colors

	f := r.zeroed[color].Front()
	if f == nil {
		f = r.free[color].Front()
	}
	for c := 0; f == nil && c < r.colors; c++ {
		if f = r.zeroed[c].Front(); f == nil {
			f = r.free[c].Front()
		}
	}
	if f != nil {
		r.unlinkLocked(f)
		r.usage.Inc(hostarch.PageSize, usage.System)
	} else {
		if f = r.standby.Front(); f == nil {
			return NoFrame, linuxerr.ENOMEM
		}
		r.unlinkLocked(f)
		r.detachLocked(f)
		r.usage.Move(hostarch.PageSize, usage.System, usage.PageCache)
		reclaimedFrames.Increment()
	}
	f.state = Active
	f.refs = 1
	return f.id, nil
}

// detachLocked restores f's PTE to the contents it had before f was
// attached, and forgets it.
func (r *Registry) detachLocked(f *Frame) {
	if f.pte == nil {
		panic(fmt.Sprintf("frame %d backs no PTE", f.id))
	}
	r.DemoteToPrototypeLocked(f.pte, f.original)
	f.pte = nil
	f.original = MakePrototype(0)
	f.inPageError = false
	f.readStatus = nil
	f.modified = false
}

// PromoteToTransitionLocked swaps a Prototype PTE to Transition, pointing at
// the given frame.
//
// Preconditions: r.mu must be locked. pte is a Prototype PTE.
func (r *Registry) PromoteToTransitionLocked(pte *PTE, id FrameID) {
	if pte.kind != Prototype {
		panic(fmt.Sprintf("promoting non-prototype PTE %v", *pte))
	}
	pte.kind = TransitionPTE
	pte.frame = id
}

// DemoteToPrototypeLocked restores a Transition PTE to the given prototype
// contents.
//
// Preconditions: r.mu must be locked. pte is a Transition PTE.
func (r *Registry) DemoteToPrototypeLocked(pte *PTE, original PTE) {
	if pte.kind != TransitionPTE {
		panic(fmt.Sprintf("demoting non-transition PTE %v", *pte))
	}
	if original.kind != Prototype && original.kind != PageFile {
		panic(fmt.Sprintf("restoring PTE to non-prototype contents %v", original))
	}
	*pte = original
}

// MakeValidLocked maps a Transition PTE whose frame is referenced.
//
// Preconditions: r.mu must be locked.
func (r *Registry) MakeValidLocked(pte *PTE) {
	if pte.kind != TransitionPTE {
		panic(fmt.Sprintf("validating non-transition PTE %v", *pte))
	}
	f := &r.frames[pte.frame]
	if f.refs == 0 || f.readInProgress || f.inPageError {
		panic(fmt.Sprintf("validating PTE over frame %d: %+v", f.id, f.info()))
	}
	pte.kind = Valid
	f.state = Active
}

// UnmapValidLocked turns a Valid PTE back into a Transition PTE.
//
// Preconditions: r.mu must be locked.
func (r *Registry) UnmapValidLocked(pte *PTE) {
	if pte.kind != Valid {
		panic(fmt.Sprintf("unmapping non-valid PTE %v", *pte))
	}
	pte.kind = TransitionPTE
	r.frames[pte.frame].state = Transition
}

// SetPageFileLocked marks a Prototype PTE's contents as moved to the paging
// file at the given offset.
//
// Preconditions: r.mu must be locked.
func (r *Registry) SetPageFileLocked(pte *PTE, pagingOffset uint64) {
	if pte.kind != Prototype {
		panic(fmt.Sprintf("paging out non-prototype PTE %v", *pte))
	}
	pte.kind = PageFile
	pte.pagingOffset = pagingOffset
}

// AddRefLocked takes a reference on a frame. Taking the first reference on a
// standby or modified frame removes it from its list.
//
// Preconditions: r.mu must be locked. The frame is not free.
func (r *Registry) AddRefLocked(id FrameID) {
	f := &r.frames[id]
	switch {
	case f.refs == MaxRefCount:
		panic(fmt.Sprintf("frame %d reference count overflow", id))
	case f.refs == 0:
		if f.state != Standby && f.state != Modified {
			panic(fmt.Sprintf("referencing unowned frame %d in state %v", id, f.state))
		}
		r.unlinkLocked(f)
		f.state = Transition
		if f.pte.kind == Valid {
			f.state = Active
		}
	}
	f.refs++
}

// AddRefsLocked adds n references to an already referenced frame.
//
// Preconditions: r.mu must be locked. The frame is referenced and the result
// does not exceed MaxRefCount.
func (r *Registry) AddRefsLocked(id FrameID, n int) {
	f := &r.frames[id]
	if f.refs == 0 {
		panic(fmt.Sprintf("biasing unreferenced frame %d", id))
	}
	if n < 0 || int(f.refs)+n > MaxRefCount {
		panic(fmt.Sprintf("frame %d: adding %d references to %d overflows", id, n, f.refs))
	}
	f.refs += uint16(n)
}

// RemoveRefLocked drops a reference on a frame. When the last reference is
// dropped:
//   - a frame with an in-page error has its PTE restored and is freed;
//   - a frame backing a PTE goes to the standby list (modified list if
//     modified), unmapping a Valid PTE to Transition;
//   - a frame backing nothing is freed.
//
// Preconditions: r.mu must be locked. The frame is referenced.
func (r *Registry) RemoveRefLocked(id FrameID) {
	r.RemoveRefsLocked(id, 1)
}

// RemoveRefsLocked drops n references on a frame, see RemoveRefLocked.
//
// Preconditions: r.mu must be locked.
func (r *Registry) RemoveRefsLocked(id FrameID, n int) {
	f := &r.frames[id]
	if n <= 0 || int(f.refs) < n {
		panic(fmt.Sprintf("frame %d: dropping %d of %d references", id, n, f.refs))
	}
	f.refs -= uint16(n)
	if f.refs != 0 {
		return
	}
	if f.readInProgress {
		panic(fmt.Sprintf("frame %d: last reference dropped with read in progress", id))
	}
	switch {
	case f.pte == nil:
		r.freeLocked(f, usage.System)
	case f.inPageError:
		r.detachLocked(f)
		r.freeLocked(f, usage.PageCache)
	default:
		if f.pte.kind == Valid {
			f.pte.kind = TransitionPTE
		}
		if f.modified {
			f.state = Modified
			r.pushLocked(&r.modified, f)
		} else {
			f.state = Standby
			r.pushLocked(&r.standby, f)
			r.signalAvailableLocked()
		}
	}
}

func (r *Registry) freeLocked(f *Frame, kind usage.MemoryKind) {
	f.state = Free
	f.event = nil
	r.pushLocked(&r.free[f.color], f)
	r.usage.Dec(hostarch.PageSize, kind)
	r.signalAvailableLocked()
}

// InitializeReadInProgressLocked attaches a frame returned by
// TakeFreeFrameLocked to a Prototype PTE: the PTE becomes Transition, the
// frame becomes Transition with read-in-progress set and ev as its wait
// handle. The frame keeps its single reference, owned by the read.
//
// Preconditions: r.mu must be locked. id has one reference and no PTE.
func (r *Registry) InitializeReadInProgressLocked(id FrameID, pte *PTE, ev *Event) {
	f := &r.frames[id]
	if f.refs != 1 || f.pte != nil || f.state != Active {
		panic(fmt.Sprintf("initializing read into frame %d: %+v", id, f.info()))
	}
	if ev == nil {
		panic("read in progress without a wait handle")
	}
	f.original = *pte
	r.PromoteToTransitionLocked(pte, id)
	f.pte = pte
	f.state = Transition
	f.readInProgress = true
	f.inPageError = false
	f.readStatus = nil
	f.event = ev
	r.usage.Move(hostarch.PageSize, usage.PageCache, usage.System)
}

// InstallLocked attaches a frame returned by TakeFreeFrameLocked to a
// Prototype PTE whose contents are already in the frame. The frame keeps its
// reference.
//
// Preconditions: r.mu must be locked. id has one reference and no PTE.
func (r *Registry) InstallLocked(id FrameID, pte *PTE) {
	f := &r.frames[id]
	if f.refs != 1 || f.pte != nil || f.state != Active {
		panic(fmt.Sprintf("installing frame %d: %+v", id, f.info()))
	}
	f.original = *pte
	r.PromoteToTransitionLocked(pte, id)
	f.pte = pte
	f.state = Transition
	r.usage.Move(hostarch.PageSize, usage.PageCache, usage.System)
}

// ClearReadInProgressLocked marks the read into a frame as finished.
//
// Preconditions: r.mu must be locked. The read is in progress.
func (r *Registry) ClearReadInProgressLocked(id FrameID) {
	f := &r.frames[id]
	if !f.readInProgress {
		panic(fmt.Sprintf("frame %d has no read in progress", id))
	}
	f.readInProgress = false
	f.event = nil
}

// SetInPageErrorLocked records that the read into a frame failed with status.
//
// Preconditions: r.mu must be locked. The read is in progress.
func (r *Registry) SetInPageErrorLocked(id FrameID, status error) {
	f := &r.frames[id]
	if !f.readInProgress {
		panic(fmt.Sprintf("in-page error on frame %d with no read in progress", id))
	}
	f.inPageError = true
	f.readStatus = status
}

// ChargeResidentLocked charges n frames as resident. It returns false, and
// charges nothing, if that would dip into the resident reserve.
//
// Preconditions: r.mu must be locked.
func (r *Registry) ChargeResidentLocked(n int) bool {
	if n < 0 || n > r.residentAvailable {
		return false
	}
	r.residentAvailable -= n
	r.usage.Inc(uint64(n)*hostarch.PageSize, usage.Locked)
	return true
}

// ReturnResidentLocked returns a resident charge.
//
// Preconditions: r.mu must be locked.
func (r *Registry) ReturnResidentLocked(n int) {
	r.residentAvailable += n
	if r.residentAvailable > len(r.frames) {
		panic(fmt.Sprintf("resident charge underflow: %d available of %d frames", r.residentAvailable, len(r.frames)))
	}
	r.usage.Dec(uint64(n)*hostarch.PageSize, usage.Locked)
}

// MarkModifiedLocked marks a referenced frame's contents as needing to be
// written before reuse.
//
// Preconditions: r.mu must be locked. The frame is referenced and backs a PTE.
func (r *Registry) MarkModifiedLocked(id FrameID) {
	f := &r.frames[id]
	if f.refs == 0 || f.pte == nil {
		panic(fmt.Sprintf("modifying frame %d: %+v", id, f.info()))
	}
	f.modified = true
}

// BeginWriteLocked starts writing a modified frame, taking a reference held
// by the writer until EndWriteLocked.
//
// Preconditions: r.mu must be locked. The frame is modified and not already
// being written.
func (r *Registry) BeginWriteLocked(id FrameID) {
	f := &r.frames[id]
	if !f.modified || f.writeInProgress {
		panic(fmt.Sprintf("writing frame %d: %+v", id, f.info()))
	}
	r.AddRefLocked(id)
	f.writeInProgress = true
}

// EndWriteLocked finishes a write started by BeginWriteLocked. A successful
// write makes the frame clean.
//
// Preconditions: r.mu must be locked. A write is in progress.
func (r *Registry) EndWriteLocked(id FrameID, err error) {
	f := &r.frames[id]
	if !f.writeInProgress {
		panic(fmt.Sprintf("frame %d has no write in progress", id))
	}
	f.writeInProgress = false
	if err == nil {
		f.modified = false
	}
	r.RemoveRefLocked(id)
}

// PurgeLocked frees the unreferenced frame backing a Transition PTE, restoring
// the PTE. It returns false if pte has no frame or the frame is referenced.
//
// Preconditions: r.mu must be locked.
func (r *Registry) PurgeLocked(pte *PTE) bool {
	if pte.kind != TransitionPTE {
		return false
	}
	f := &r.frames[pte.frame]
	if f.refs != 0 {
		return false
	}
	r.unlinkLocked(f)
	r.detachLocked(f)
	r.freeLocked(f, usage.PageCache)
	return true
}
