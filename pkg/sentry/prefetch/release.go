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

package prefetch

import (
	"fmt"

	"mmpf.dev/mmpf/pkg/hostarch"
	"mmpf.dev/mmpf/pkg/sentry/mdl"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
	"mmpf.dev/mmpf/pkg/sentry/storage"
)

// release frees everything the request borrowed or allocated. It runs once
// on every exit path of PrefetchPages, after any references were dropped or
// handed to the result.
func (req *request) release() {
	req.views.Release()
	if req.io != nil {
		req.io.Free()
	}
	if req.status != nil && req.result != nil {
		req.result.Free()
	}
	if req.block != nil {
		req.block.alloc.Free()
	}

	if req.placeholder == pfn.NoFrame && req.resident == 0 {
		return
	}
	reg := req.p.reg
	reg.Lock()
	defer reg.Unlock()
	req.releasePlaceholderLocked()
	if req.resident != 0 {
		if req.status == nil {
			req.result.SetResidentCharge(req.resident)
		} else {
			reg.ReturnResidentLocked(req.resident)
		}
		req.resident = 0
	}
}

// releasePlaceholderLocked frees the placeholder frame, which must have lost
// its per-page bias.
//
// Preconditions: the frame lock is held.
func (req *request) releasePlaceholderLocked() {
	ph := req.placeholder
	if ph == pfn.NoFrame {
		return
	}
	reg := req.p.reg
	if refs := reg.FrameLocked(ph).RefCount(); refs != 1 {
		panic(fmt.Sprintf("prefetch %v: placeholder frame %d released with %d references", req.id, ph, refs))
	}
	reg.RemoveRefLocked(ph)
	req.placeholder = pfn.NoFrame
}

// reset returns a request holding no page references to its state after
// prepare, so that it can be attempted again.
func (req *request) reset() error {
	reg := req.p.reg
	reg.Lock()
	req.releasePlaceholderLocked()
	if req.resident != 0 {
		reg.ReturnResidentLocked(req.resident)
		req.resident = 0
	}
	reg.Unlock()

	// The last attempt may have trimmed or embedded io.
	req.io.Free()
	io, err := mdl.New(req.p.pool, ioTag, 0, req.pages*hostarch.PageSize)
	if err != nil {
		req.io = nil
		return err
	}
	io.SetFlags(mdl.IOPageRead)
	req.io = io

	block := req.block
	*block = inPageBlock{
		alloc:      block.alloc,
		readOffset: hostarch.PageRoundDown(req.offset),
		file:       req.file,
		completion: storage.NewCompletion(),
		event:      pfn.NewEvent(),
		inline:     block.inline,
	}
	req.collided = nil
	req.retry.Reset()
	return nil
}
