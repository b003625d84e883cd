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
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"mmpf.dev/mmpf/pkg/hostarch"
	"mmpf.dev/mmpf/pkg/sentry/mdl"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
	"mmpf.dev/mmpf/pkg/sentry/pool"
	"mmpf.dev/mmpf/pkg/sentry/section"
	"mmpf.dev/mmpf/pkg/sentry/storage"
)

// Pool tags.
const (
	resultTag pool.Tag = "prefetch-result"
	ioTag     pool.Tag = "prefetch-io"
	blockTag  pool.Tag = "prefetch-block"
)

// blockHeaderBytes is the pool charge of an inPageBlock besides its inline
// page slots.
const blockHeaderBytes = 96

// inPageBlock tracks the single read issued by a request.
type inPageBlock struct {
	alloc *pool.Allocation

	// readOffset is the page aligned file offset of the first page of io.
	readOffset uint64
	file       storage.File

	completion *storage.Completion

	// event is the wait handle of every frame read by the request. It is set
	// once those frames are final.
	event *pfn.Event

	// basePTE is the index in request.ptes of the first page of io.
	basePTE int

	// inline holds io's page array when io is embedded.
	inline []pfn.FrameID

	// ioPages is the number of pages read into frames of the request's own.
	ioPages int
}

// collision is a page found with another request's read in progress.
type collision struct {
	frame pfn.FrameID
	event *pfn.Event
}

// request is the state of one PrefetchPages call.
type request struct {
	p  *Prefetcher
	id uuid.UUID

	file   storage.File
	offset uint64
	length uint64
	pages  int

	views section.ViewRange
	ptes  []*pfn.PTE

	result *mdl.Descriptor
	io     *mdl.Descriptor
	block  *inPageBlock

	// placeholder is pfn.NoFrame until taken.
	placeholder pfn.FrameID

	// resident is the resident charge held by the request.
	resident int

	collided []collision
	retry    *backoff.ConstantBackOff

	// status is the error the request failed with.
	status error
}

func (p *Prefetcher) newRequest(file storage.File, offset, length uint64, pages int) *request {
	return &request{
		p:           p,
		id:          uuid.New(),
		file:        file,
		offset:      offset,
		length:      length,
		pages:       pages,
		placeholder: pfn.NoFrame,
		retry:       backoff.NewConstantBackOff(p.cfg.RetryDelay),
	}
}

// prepare resolves the request's PTEs and allocates its descriptors and
// tracking block. Whatever it allocated before failing is freed by release.
func (req *request) prepare(sec *section.Section) error {
	req.ptes = make([]*pfn.PTE, req.pages)
	views, err := sec.ResolveRange(hostarch.PageIndex(req.offset), req.pages, req.ptes)
	req.views = views
	if err != nil {
		return err
	}

	p := req.p
	if req.result, err = mdl.New(p.pool, resultTag, int(hostarch.PageOffset(req.offset)), int(req.length)); err != nil {
		return err
	}
	req.result.SetFlags(mdl.PagesLocked)
	if req.io, err = mdl.New(p.pool, ioTag, 0, req.pages*hostarch.PageSize); err != nil {
		return err
	}
	req.io.SetFlags(mdl.IOPageRead)

	alloc, err := p.pool.Allocate(blockTag, blockHeaderBytes+4*int64(p.cfg.MaxInlinePages))
	if err != nil {
		return err
	}
	req.block = &inPageBlock{
		alloc:      alloc,
		readOffset: hostarch.PageRoundDown(req.offset),
		file:       req.file,
		completion: storage.NewCompletion(),
		event:      pfn.NewEvent(),
		inline:     make([]pfn.FrameID, p.cfg.MaxInlinePages),
	}
	return nil
}
