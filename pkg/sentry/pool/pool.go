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

// Package pool implements a byte-budgeted nonpaged allocation pool for
// descriptors and tracking blocks.
package pool

import (
	"fmt"
	"sync"

	"mmpf.dev/mmpf/pkg/errors/linuxerr"
)

// Tag identifies what an allocation is for.
type Tag string

// Allocation is one outstanding pool allocation.
type Allocation struct {
	pool  *Pool
	tag   Tag
	bytes int64
	freed bool
}

// Tag returns the allocation's tag.
func (a *Allocation) Tag() Tag { return a.tag }

// Bytes returns the allocation's size.
func (a *Allocation) Bytes() int64 { return a.bytes }

// Free returns the allocation to its pool. Freeing twice panics.
func (a *Allocation) Free() {
	a.pool.free(a)
}

// Pool is a nonpaged pool with a fixed byte budget.
type Pool struct {
	// onCharge, if not nil, is called with the signed byte delta of every
	// allocation and free.
	onCharge func(int64)

	mu          sync.Mutex
	limit       int64
	used        int64
	outstanding map[Tag]int
}

// New returns a pool that allows up to limit bytes to be outstanding. A
// limit of zero is unlimited. onCharge may be nil.
func New(limit int64, onCharge func(int64)) *Pool {
	return &Pool{
		onCharge:    onCharge,
		limit:       limit,
		outstanding: make(map[Tag]int),
	}
}

// Allocate allocates bytes under tag. It fails with ENOMEM if the pool's
// budget would be exceeded.
func (p *Pool) Allocate(tag Tag, bytes int64) (*Allocation, error) {
	if bytes < 0 {
		panic(fmt.Sprintf("negative allocation of %d bytes", bytes))
	}
	p.mu.Lock()
	if p.limit > 0 && p.used+bytes > p.limit {
		p.mu.Unlock()
		return nil, linuxerr.ENOMEM
	}
	p.used += bytes
	p.outstanding[tag]++
	p.mu.Unlock()

	if p.onCharge != nil {
		p.onCharge(bytes)
	}
	return &Allocation{pool: p, tag: tag, bytes: bytes}, nil
}

func (p *Pool) free(a *Allocation) {
	p.mu.Lock()
	if a.freed {
		p.mu.Unlock()
		panic(fmt.Sprintf("double free of %d byte %q allocation", a.bytes, a.tag))
	}
	a.freed = true
	p.used -= a.bytes
	if p.outstanding[a.tag]--; p.outstanding[a.tag] == 0 {
		delete(p.outstanding, a.tag)
	}
	p.mu.Unlock()

	if p.onCharge != nil {
		p.onCharge(-a.bytes)
	}
}

// Used returns the number of bytes outstanding.
func (p *Pool) Used() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Outstanding returns the number of outstanding allocations by tag.
func (p *Pool) Outstanding() map[Tag]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := make(map[Tag]int, len(p.outstanding))
	for t, n := range p.outstanding {
		m[t] = n
	}
	return m
}

// SetLimit changes the pool's budget. Outstanding allocations are not
// affected.
func (p *Pool) SetLimit(limit int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = limit
}
