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
	"context"
	"errors"
	"time"

	"mmpf.dev/mmpf/pkg/errors/linuxerr"
	"mmpf.dev/mmpf/pkg/hostarch"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
)

// transition references every page of the request, starting reads into fresh
// frames for pages that are not resident. It returns true if a read was
// issued; the read's outcome is then collected by complete.
//
// On error every reference taken by transition has been dropped.
func (req *request) transition(ctx context.Context) (issued bool, err error) {
	p := req.p
	reg := p.reg
	result, io, block := req.result, req.io, req.block

	reg.Lock()
	if !reg.ChargeResidentLocked(req.pages) {
		reg.Unlock()
		return false, linuxerr.ENOMEM
	}
	req.resident = req.pages

	// The placeholder fills I/O slots of pages that need no read. It is
	// biased by one reference per page; each slot drops its reference once
	// proven unnecessary.
	ph, err := reg.TakeFreeFrameLocked(0)
	if err != nil {
		reg.Unlock()
		return false, err
	}
	req.placeholder = ph
	reg.AddRefsLocked(ph, req.pages)

	for i := 0; i < req.pages; {
		pte := req.ptes[i]
		switch pte.Kind() {
		case pfn.Valid:
			id := pte.Frame()
			if reg.FrameLocked(id).RefCount() == pfn.MaxRefCount {
				req.abortLocked(i)
				return false, linuxerr.ENOMEM
			}
			reg.AddRefLocked(id)
			result.SetPage(i, id)
			io.SetPage(i, ph)
			pagesMetric.Increment("valid")
			i++

		case pfn.TransitionPTE:
			id := pte.Frame()
			f := reg.FrameLocked(id)
			if f.InPageError() {
				retriesMetric.Increment("in_page_error")
				p.retryLog.Warningf("Prefetch %v: frame %d for %s page %d has an in-page error (%v), retrying", req.id, id, req.file.Name(), hostarch.PageIndex(pte.Offset()), f.ReadStatus())
				if err := req.sleepLocked(ctx); err != nil {
					req.abortLocked(i)
					return false, err
				}
				continue
			}
			if f.RefCount() == pfn.MaxRefCount {
				req.abortLocked(i)
				return false, linuxerr.ENOMEM
			}
			// A frame being written already holds the writer's reference
			// and is off the modified list.
			reg.AddRefLocked(id)
			if f.ReadInProgress() {
				req.collided = append(req.collided, collision{frame: id, event: f.Event()})
				pagesMetric.Increment("collided")
			} else {
				pagesMetric.Increment("transition")
			}
			result.SetPage(i, id)
			io.SetPage(i, ph)
			i++

		case pfn.PageFile:
			req.abortLocked(i)
			return false, linuxerr.EOPNOTSUPP

		case pfn.Prototype:
			if reg.LowMemoryLocked() {
				if err := req.waitForMemoryLocked(ctx); err != nil {
					req.abortLocked(i)
					return false, err
				}
				continue
			}
			id, err := reg.TakeFreeFrameLocked(int(hostarch.PageIndex(pte.Offset()) % uint64(reg.Colors())))
			if err != nil {
				if err := req.waitForMemoryLocked(ctx); err != nil {
					req.abortLocked(i)
					return false, err
				}
				continue
			}
			reg.InitializeReadInProgressLocked(id, pte, block.event)
			result.SetPage(i, id)
			io.SetPage(i, id)
			block.ioPages++
			reg.RemoveRefLocked(ph)
			pagesMetric.Increment("read")
			i++
		}
	}

	if block.ioPages == 0 {
		reg.RemoveRefsLocked(ph, req.pages)
		reg.Unlock()
		return false, nil
	}

	lead, trail := 0, 0
	for io.Page(lead) == ph {
		lead++
	}
	for io.Page(io.Len()-1-trail) == ph {
		trail++
	}
	if lead+trail > 0 {
		reg.RemoveRefsLocked(ph, lead+trail)
		io.Trim(lead, trail)
		block.basePTE = lead
		block.readOffset += uint64(lead) * hostarch.PageSize
	}
	if io.Len() <= len(block.inline) {
		io.Embed(block.inline)
		inlineMetric.Increment()
	}
	reg.Unlock()

	bufs := make([][]byte, io.Len())
	for i, id := range io.Pages() {
		bufs[i] = reg.FrameData(id)
	}
	if err := p.reader.SubmitRead(ctx, block.file, bufs, block.readOffset, block.completion); err != nil {
		// Not signalled by the reader.
		block.completion.Complete(err)
	}
	return true, nil
}

// sleepLocked drops the frame lock for one retry delay. It fails if ctx is
// done or a collided read the request holds failed.
//
// Preconditions: the frame lock is held.
// Postconditions: the frame lock is held.
func (req *request) sleepLocked(ctx context.Context) error {
	reg := req.p.reg
	reg.Unlock()
	t := time.NewTimer(req.retry.NextBackOff())
	var err error
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
		err = ctx.Err()
	}
	reg.Lock()
	if err != nil {
		return err
	}
	return req.heldCollisionErrorLocked()
}

// waitForMemoryLocked waits for a frame to become available. It fails if ctx
// is done or a collided read the request holds failed.
//
// Preconditions: the frame lock is held.
// Postconditions: the frame lock is held.
func (req *request) waitForMemoryLocked(ctx context.Context) error {
	retriesMetric.Increment("low_memory")
	req.p.retryLog.Infof("Prefetch %v: waiting for available memory", req.id)
	req.p.reg.WaitForAvailableMemoryLocked(req.p.cfg.LowMemoryTimeout)
	if err := ctx.Err(); err != nil {
		return err
	}
	return req.heldCollisionErrorLocked()
}

// errCollisionAbandoned is returned by the steps of a request when a read it
// collided with was abandoned by its owner before reaching storage. The
// request has dropped its page references and can be attempted again.
var errCollisionAbandoned = errors.New("collided read abandoned")

// collisionError maps the read status of a failed collided frame to the
// error of the request that collided with it.
func collisionError(status error) error {
	if linuxerr.IsRetryable(status) {
		return errCollisionAbandoned
	}
	return status
}

// heldCollisionErrorLocked returns the error for the first collided read
// that failed. A request holding a reference on a frame whose read failed
// must not keep waiting, as another request may be waiting for that frame
// to be freed.
//
// Preconditions: the frame lock is held.
func (req *request) heldCollisionErrorLocked() error {
	for _, c := range req.collided {
		if f := req.p.reg.FrameLocked(c.frame); f.InPageError() {
			return collisionError(f.ReadStatus())
		}
	}
	return nil
}

// abortLocked undoes the first filled pages of the transition and releases
// the frame lock. Reads the request started never reach storage; their
// frames get an EAGAIN in-page error, on which requests that collided with
// them start over.
//
// Preconditions: the frame lock is held.
func (req *request) abortLocked(filled int) {
	reg := req.p.reg
	ph := req.placeholder
	req.finishReadsLocked(req.io.Pages()[:filled], linuxerr.EAGAIN)
	if n := req.pages - filled; n > 0 {
		reg.RemoveRefsLocked(ph, n)
	}
	req.unwindLocked(filled)
	req.block.event.Set()
	reg.Unlock()
}

// finishReadsLocked ends the reads into the given I/O slots. Placeholder
// slots drop their placeholder reference.
//
// Preconditions: the frame lock is held.
func (req *request) finishReadsLocked(slots []pfn.FrameID, status error) {
	reg := req.p.reg
	for _, id := range slots {
		if id == req.placeholder {
			reg.RemoveRefLocked(id)
			continue
		}
		if status != nil {
			reg.SetInPageErrorLocked(id, status)
		}
		reg.ClearReadInProgressLocked(id)
	}
}

// unwindLocked drops the references held on the first n result pages.
//
// Preconditions: the frame lock is held.
func (req *request) unwindLocked(n int) {
	for i := 0; i < n; i++ {
		req.p.reg.RemoveRefLocked(req.result.Page(i))
		req.result.SetPage(i, pfn.NoFrame)
	}
}
