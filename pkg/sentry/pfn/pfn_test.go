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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"mmpf.dev/mmpf/pkg/errors/linuxerr"
	"mmpf.dev/mmpf/pkg/hostarch"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New(%+v) got err %v want nil", opts, err)
	}
	t.Cleanup(r.Release)
	return r
}

func checkInvariants(t *testing.T, r *Registry) {
	t.Helper()
	r.Lock()
	defer r.Unlock()
	if err := r.CheckInvariantsLocked(); err != nil {
		t.Fatalf("CheckInvariantsLocked: %v", err)
	}
}

func TestNewOptions(t *testing.T) {
	for _, test := range []struct {
		name string
		opts Options
		ok   bool
	}{
		{name: "default colors", opts: Options{Frames: 4}, ok: true},
		{name: "colored", opts: Options{Frames: 8, Colors: 4}, ok: true},
		{name: "no frames", opts: Options{}},
		{name: "too many colors", opts: Options{Frames: 2, Colors: 4}},
		{name: "reserve exceeds frames", opts: Options{Frames: 2, ResidentReserve: 3}},
	} {
		t.Run(test.name, func(t *testing.T) {
			r, err := New(test.opts)
			if (err == nil) != test.ok {
				t.Fatalf("New(%+v) got err %v, want ok %t", test.opts, err, test.ok)
			}
			if r != nil {
				checkInvariants(t, r)
				r.Release()
			}
		})
	}
}

func TestTakeFreeFrameOrder(t *testing.T) {
	r := newTestRegistry(t, Options{Frames: 4, Colors: 2})
	r.Lock()
	defer r.Unlock()

	// Frames of the requested color come first.
	var got []FrameID
	for i := 0; i < 2; i++ {
		id, err := r.TakeFreeFrameLocked(1)
		if err != nil {
			t.Fatalf("TakeFreeFrameLocked got err %v want nil", err)
		}
		got = append(got, id)
	}
	if diff := cmp.Diff([]FrameID{1, 3}, got); diff != "" {
		t.Errorf("color 1 frames mismatch (-want +got):\n%s", diff)
	}

	// Then any color.
	id, err := r.TakeFreeFrameLocked(1)
	if err != nil || id%2 != 0 {
		t.Fatalf("TakeFreeFrameLocked = %d, %v; want a color 0 frame", id, err)
	}
	if info := r.frames[id].info(); info.Refs != 1 || info.State != Active {
		t.Errorf("taken frame info = %+v, want 1 ref, Active", info)
	}

	// A freed frame is preferred over the remaining zeroed frame of another
	// color.
	r.RemoveRefLocked(1)
	if id, _ := r.TakeFreeFrameLocked(1); id != 1 {
		t.Errorf("TakeFreeFrameLocked = %d, want freed frame 1", id)
	}
	if err := r.CheckInvariantsLocked(); err != nil {
		t.Fatalf("CheckInvariantsLocked: %v", err)
	}
}

func TestReadInProgressLifecycle(t *testing.T) {
	r := newTestRegistry(t, Options{Frames: 2})
	pte := MakePrototype(3 * hostarch.PageSize)
	ev := NewEvent()

	r.Lock()
	id, err := r.TakeFreeFrameLocked(0)
	if err != nil {
		t.Fatalf("TakeFreeFrameLocked got err %v want nil", err)
	}
	r.InitializeReadInProgressLocked(id, &pte, ev)
	if pte.Kind() != TransitionPTE || pte.Frame() != id {
		t.Errorf("PTE after initialization = %v, want Transition over frame %d", pte, id)
	}
	want := Info{Refs: 1, State: Transition, ReadInProgress: true, HasPTE: true}
	if diff := cmp.Diff(want, r.frames[id].info()); diff != "" {
		t.Errorf("frame info mismatch (-want +got):\n%s", diff)
	}
	if err := r.CheckInvariantsLocked(); err != nil {
		t.Fatalf("CheckInvariantsLocked: %v", err)
	}

	// Successful read: the frame lands on the standby list when released.
	r.ClearReadInProgressLocked(id)
	r.RemoveRefLocked(id)
	r.Unlock()

	if got := r.Info(id); got.State != Standby || got.Refs != 0 {
		t.Errorf("released frame info = %+v, want Standby with no refs", got)
	}
	if pte.Kind() != TransitionPTE {
		t.Errorf("PTE after release = %v, want Transition", pte)
	}
	checkInvariants(t, r)

	// A soft fault takes it back off the list.
	r.Lock()
	r.AddRefLocked(id)
	r.MakeValidLocked(&pte)
	r.Unlock()
	if got := r.Info(id); got.State != Active || got.Refs != 1 {
		t.Errorf("revalidated frame info = %+v, want Active with 1 ref", got)
	}
	checkInvariants(t, r)

	// Dropping the last reference unmaps it again.
	r.Lock()
	r.RemoveRefLocked(id)
	r.Unlock()
	if pte.Kind() != TransitionPTE || r.Info(id).State != Standby {
		t.Errorf("PTE %v, frame %+v; want Transition over a standby frame", pte, r.Info(id))
	}
	checkInvariants(t, r)
}

func TestInPageErrorFreesAndRestores(t *testing.T) {
	r := newTestRegistry(t, Options{Frames: 1})
	pte := MakePrototype(0)
	orig := pte

	r.Lock()
	id, _ := r.TakeFreeFrameLocked(0)
	r.InitializeReadInProgressLocked(id, &pte, NewEvent())
	r.SetInPageErrorLocked(id, linuxerr.EIO)
	r.ClearReadInProgressLocked(id)
	if !r.frames[id].InPageError() || r.frames[id].ReadStatus() != linuxerr.EIO {
		t.Errorf("frame did not record the in-page error")
	}
	r.RemoveRefLocked(id)
	if err := r.CheckInvariantsLocked(); err != nil {
		t.Fatalf("CheckInvariantsLocked: %v", err)
	}
	r.Unlock()

	if pte != orig {
		t.Errorf("PTE = %v, want restored %v", pte, orig)
	}
	if got := r.Info(id); got.State != Free || got.InPageError || got.HasPTE {
		t.Errorf("frame info = %+v, want a clean free frame", got)
	}
}

func TestReclaimStandby(t *testing.T) {
	r := newTestRegistry(t, Options{Frames: 1})
	pte := MakePrototype(0)

	r.Lock()
	defer r.Unlock()
	id, _ := r.TakeFreeFrameLocked(0)
	r.InstallLocked(id, &pte)
	r.RemoveRefLocked(id)

	// The only frame is on standby; taking a frame reclaims it.
	got, err := r.TakeFreeFrameLocked(0)
	if err != nil || got != id {
		t.Fatalf("TakeFreeFrameLocked = %d, %v; want %d, nil", got, err, id)
	}
	if pte.Kind() != Prototype {
		t.Errorf("reclaimed PTE = %v, want Prototype", pte)
	}
	if _, err := r.TakeFreeFrameLocked(0); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("TakeFreeFrameLocked on empty registry got err %v want ENOMEM", err)
	}
	if err := r.CheckInvariantsLocked(); err != nil {
		t.Fatalf("CheckInvariantsLocked: %v", err)
	}
}

func TestRefCountBounds(t *testing.T) {
	r := newTestRegistry(t, Options{Frames: 1})
	r.Lock()
	defer r.Unlock()
	id, _ := r.TakeFreeFrameLocked(0)
	r.AddRefsLocked(id, MaxRefCount-1)
	if got := r.frames[id].RefCount(); got != MaxRefCount {
		t.Fatalf("RefCount = %d, want %d", got, MaxRefCount)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("AddRefLocked past MaxRefCount did not panic")
			}
		}()
		r.AddRefLocked(id)
	}()
	r.RemoveRefsLocked(id, MaxRefCount)
	if got := r.frames[id].State(); got != Free {
		t.Errorf("State = %v, want Free", got)
	}
}

func TestModifiedWriter(t *testing.T) {
	r := newTestRegistry(t, Options{Frames: 1})
	pte := MakePrototype(0)

	r.Lock()
	defer r.Unlock()
	id, _ := r.TakeFreeFrameLocked(0)
	r.InstallLocked(id, &pte)
	r.MarkModifiedLocked(id)
	r.RemoveRefLocked(id)
	if got := r.frames[id].State(); got != Modified {
		t.Fatalf("State = %v, want Modified", got)
	}
	if got := r.AvailableLocked(); got != 0 {
		t.Errorf("AvailableLocked = %d, want 0 with only a modified frame", got)
	}

	r.BeginWriteLocked(id)
	// A second user takes a reference while the writer holds one.
	r.AddRefLocked(id)
	if got := r.frames[id].RefCount(); got != 2 {
		t.Errorf("RefCount = %d, want 2", got)
	}
	r.RemoveRefLocked(id)
	r.EndWriteLocked(id, nil)
	if got := r.frames[id].State(); got != Standby {
		t.Errorf("State after clean write = %v, want Standby", got)
	}
	if err := r.CheckInvariantsLocked(); err != nil {
		t.Fatalf("CheckInvariantsLocked: %v", err)
	}
}

func TestResidentCharge(t *testing.T) {
	r := newTestRegistry(t, Options{Frames: 4, ResidentReserve: 1})
	r.Lock()
	defer r.Unlock()
	if r.ChargeResidentLocked(4) {
		t.Errorf("ChargeResidentLocked(4) succeeded into the reserve")
	}
	if !r.ChargeResidentLocked(3) {
		t.Fatalf("ChargeResidentLocked(3) failed")
	}
	if got := r.Usage().Locked; got != 3*hostarch.PageSize {
		t.Errorf("locked usage = %d, want %d", got, 3*hostarch.PageSize)
	}
	r.ReturnResidentLocked(3)
	if got := r.StatsLocked().ResidentAvailable; got != 3 {
		t.Errorf("ResidentAvailable = %d, want 3", got)
	}
}

func TestWaitForAvailableMemory(t *testing.T) {
	r := newTestRegistry(t, Options{Frames: 1, LowMemoryPages: 1})
	r.Lock()
	if r.WaitForAvailableMemoryLocked(time.Hour) {
		t.Fatalf("WaitForAvailableMemoryLocked waited with memory available")
	}
	id, _ := r.TakeFreeFrameLocked(0)
	r.Unlock()

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Lock()
		r.RemoveRefLocked(id)
		r.Unlock()
	}()

	r.Lock()
	for r.LowMemoryLocked() {
		if !r.WaitForAvailableMemoryLocked(time.Hour) {
			t.Fatalf("WaitForAvailableMemoryLocked did not wait in low memory")
		}
	}
	r.Unlock()

	// The timeout bounds each wait.
	r.Lock()
	id, _ = r.TakeFreeFrameLocked(0)
	if !r.WaitForAvailableMemoryLocked(time.Millisecond) {
		t.Errorf("WaitForAvailableMemoryLocked did not wait")
	}
	r.RemoveRefLocked(id)
	r.Unlock()
}

func TestFrameData(t *testing.T) {
	r := newTestRegistry(t, Options{Frames: 2})
	d0, d1 := r.FrameData(0), r.FrameData(1)
	if len(d0) != hostarch.PageSize || cap(d0) != hostarch.PageSize {
		t.Fatalf("FrameData len/cap = %d/%d, want %d", len(d0), cap(d0), hostarch.PageSize)
	}
	d0[0] = 1
	if d1[0] != 0 {
		t.Errorf("frames share memory")
	}
}
