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

	"mmpf.dev/mmpf/pkg/ilist"
)

// CheckInvariantsLocked returns an error describing the first violated frame
// registry invariant, or nil.
//
// Preconditions: r.mu must be locked.
func (r *Registry) CheckInvariantsLocked() error {
	onList := 0
	for i := range r.frames {
		f := &r.frames[i]
		if err := r.checkFrameLocked(f); err != nil {
			return fmt.Errorf("frame %d %+v: %w", f.id, f.info(), err)
		}
		if f.list != nil {
			onList++
		}
	}

	lists := 0
	check := func(name string, l *ilist.List[*Frame], states ...State) error {
		lists += l.Len()
		n := 0
		for f := l.Front(); f != nil; f = f.Next() {
			n++
			if f.list != l {
				return fmt.Errorf("frame %d on %s list records a different list", f.id, name)
			}
			ok := false
			for _, s := range states {
				ok = ok || f.state == s
			}
			if !ok {
				return fmt.Errorf("frame %d on %s list in state %v", f.id, name, f.state)
			}
		}
		if n != l.Len() {
			return fmt.Errorf("%s list has %d frames, length %d", name, n, l.Len())
		}
		return nil
	}
	for c := 0; c < r.colors; c++ {
		if err := check(fmt.Sprintf("free[%d]", c), &r.free[c], Free); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("zeroed[%d]", c), &r.zeroed[c], Zeroed); err != nil {
			return err
		}
	}
	if err := check("standby", &r.standby, Standby); err != nil {
		return err
	}
	if err := check("modified", &r.modified, Modified); err != nil {
		return err
	}
	if lists != onList {
		return fmt.Errorf("%d frames on lists, %d frames record a list", lists, onList)
	}
	if r.residentAvailable < 0 || r.residentAvailable > len(r.frames) {
		return fmt.Errorf("resident available %d out of range", r.residentAvailable)
	}
	return nil
}

func (r *Registry) checkFrameLocked(f *Frame) error {
	unreferenced := f.state == Free || f.state == Zeroed || f.state == Standby || f.state == Modified
	if (f.refs == 0) != unreferenced {
		return fmt.Errorf("reference count %d in state %v", f.refs, f.state)
	}
	if unreferenced != (f.list != nil) {
		return fmt.Errorf("list membership does not match state %v", f.state)
	}
	if f.readInProgress && (f.event == nil || f.refs == 0) {
		return fmt.Errorf("read in progress with event %v, %d refs", f.event, f.refs)
	}
	if f.inPageError && f.pte == nil {
		return fmt.Errorf("in-page error on a frame backing no PTE")
	}
	if f.color != int(f.id)%r.colors {
		return fmt.Errorf("color %d", f.color)
	}

	switch f.state {
	case Free, Zeroed:
		if f.pte != nil {
			return fmt.Errorf("free frame backs PTE %v", *f.pte)
		}
		return nil
	case Active:
		if f.pte != nil && f.pte.kind != Valid {
			return fmt.Errorf("active frame backs non-valid PTE %v", *f.pte)
		}
	case Transition, Standby, Modified:
		if f.pte == nil || f.pte.kind != TransitionPTE {
			return fmt.Errorf("%v frame does not back a transition PTE", f.state)
		}
	}
	if f.pte != nil && f.pte.frame != f.id {
		return fmt.Errorf("PTE %v points at frame %d", *f.pte, f.pte.frame)
	}
	if f.state == Standby && f.modified {
		return fmt.Errorf("modified frame on the standby list")
	}
	return nil
}
