// Copyright 2018 The gVisor Authors.
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

// Package refs provides an atomic reference count for objects that are torn
// down exactly once, and an optional leak checker for them.
package refs

import (
	"fmt"
	"sync/atomic"
)

// AtomicRefCount is a reference count whose zero value holds one reference.
// Once the last reference is dropped the count is dead: further increments
// through TryIncRefN fail.
type AtomicRefCount struct {
	// The low 32 bits hold real references minus one. The high 32 bits hold
	// speculative references taken by TryIncRefN while it checks liveness.
	refCount atomic.Int64
}

const speculativeRef = 1 << 32

// ReadRefs returns the number of real references. The result is racy unless
// the caller synchronizes with every other user of r.
func (r *AtomicRefCount) ReadRefs() int64 {
	return int64(int32(r.refCount.Load())) + 1
}

// IncRef adds a reference. The caller must already hold one.
func (r *AtomicRefCount) IncRef() { r.IncRefN(1) }

// IncRefN adds n references. The caller must already hold one.
func (r *AtomicRefCount) IncRefN(n int64) {
	if v := r.refCount.Add(n); int32(v) <= 0 {
		panic(fmt.Sprintf("adding %d refs to dead count %d", n, int32(v)-int32(n)+1))
	}
}

// TryIncRef is TryIncRefN(1).
func (r *AtomicRefCount) TryIncRef() bool { return r.TryIncRefN(1) }

// TryIncRefN adds n references unless the count is dead, and reports whether
// it did. Callers need not hold a reference.
func (r *AtomicRefCount) TryIncRefN(n int64) bool {
	// A speculative reference keeps a concurrent drop of the last real
	// reference from observing zero while this converts.
	if v := r.refCount.Add(speculativeRef); int32(v) < 0 {
		r.refCount.Add(-speculativeRef)
		return false
	}
	r.refCount.Add(n - speculativeRef)
	return true
}

// TryDropLast kills the count if exactly one real reference and no
// speculative ones remain, and reports whether it did.
func (r *AtomicRefCount) TryDropLast() bool {
	return r.refCount.CompareAndSwap(0, -1)
}

// DecRef drops a reference.
func (r *AtomicRefCount) DecRef() { r.DecRefNWithDestructor(1, nil) }

// DecRefWithDestructor is DecRefNWithDestructor(1, destroy).
func (r *AtomicRefCount) DecRefWithDestructor(destroy func()) {
	r.DecRefNWithDestructor(1, destroy)
}

// DecRefNWithDestructor drops n references. If that kills the count, destroy
// is called when non-nil. Dropping below zero panics.
func (r *AtomicRefCount) DecRefNWithDestructor(n int64, destroy func()) {
	v := int32(r.refCount.Add(-n))
	if v < -1 {
		panic(fmt.Sprintf("dropping %d refs from count %d", n, v+int32(n)+1))
	}
	if v == -1 && destroy != nil {
		destroy()
	}
}
