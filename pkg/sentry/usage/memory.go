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

// Package usage tracks memory usage of the frame registry by kind.
package usage

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryKind represents a type of memory tracked by the frame registry.
type MemoryKind int

const (
	// System represents frames owned by the memory manager itself, such as
	// the placeholder frame of an in-flight prefetch.
	System MemoryKind = iota

	// PageCache represents frames backing file pages: frames in transition,
	// on the standby or modified lists, or mapped valid.
	PageCache

	// Locked represents the resident (non-pageable) charge held by locked
	// descriptors. It overlaps PageCache: a locked page is counted in both.
	Locked

	// Nonpaged represents bytes of descriptor and tracking-block memory
	// allocated from the nonpaged pool.
	Nonpaged
)

// String implements fmt.Stringer.
func (k MemoryKind) String() string {
	switch k {
	case System:
		return "system"
	case PageCache:
		return "pagecache"
	case Locked:
		return "locked"
	case Nonpaged:
		return "nonpaged"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// MemoryStats tracks memory usage in bytes. All fields correspond to the
// memory category with the same name. This object is thread-safe if accessed
// through the provided methods. The public fields may be safely accessed
// directly on a copy of the object obtained from MemoryLocked.Copy().
type MemoryStats struct {
	// +checkatomic
	System uint64
	// +checkatomic
	PageCache uint64
	// +checkatomic
	Locked uint64
	// +checkatomic
	Nonpaged uint64
}

// MemoryLocked is MemoryStats with access methods.
type MemoryLocked struct {
	mu sync.RWMutex
	// MemoryStats records the memory stats.
	MemoryStats
}

func (m *MemoryLocked) field(kind MemoryKind) *uint64 {
	switch kind {
	case System:
		return &m.System
	case PageCache:
		return &m.PageCache
	case Locked:
		return &m.Locked
	case Nonpaged:
		return &m.Nonpaged
	default:
		panic(fmt.Sprintf("invalid memory kind: %v", kind))
	}
}

// Inc adds an additional usage of 'val' bytes to memory category 'kind'.
//
// This method is thread-safe.
func (m *MemoryLocked) Inc(val uint64, kind MemoryKind) {
	m.mu.RLock()
	atomic.AddUint64(m.field(kind), val)
	m.mu.RUnlock()
}

// Dec remove a usage of 'val' bytes from memory category 'kind'.
//
// This method is thread-safe.
func (m *MemoryLocked) Dec(val uint64, kind MemoryKind) {
	m.mu.RLock()
	p := m.field(kind)
	if cur := atomic.LoadUint64(p); cur < val {
		m.mu.RUnlock()
		panic(fmt.Sprintf("%v usage underflow: %d < %d", kind, cur, val))
	}
	atomic.AddUint64(p, ^(val - 1))
	m.mu.RUnlock()
}

// Move moves a usage of 'val' bytes from 'from' to 'to'.
//
// This method is thread-safe.
func (m *MemoryLocked) Move(val uint64, to MemoryKind, from MemoryKind) {
	m.mu.RLock()
	// We held the RLock to protect against concurrent callers to Copy().
	atomic.AddUint64(m.field(from), ^(val - 1))
	atomic.AddUint64(m.field(to), val)
	m.mu.RUnlock()
}

// Copy returns a consistent copy of the stats.
//
// This method is thread-safe.
func (m *MemoryLocked) Copy() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemoryStats{
		System:    atomic.LoadUint64(&m.System),
		PageCache: atomic.LoadUint64(&m.PageCache),
		Locked:    atomic.LoadUint64(&m.Locked),
		Nonpaged:  atomic.LoadUint64(&m.Nonpaged),
	}
}
