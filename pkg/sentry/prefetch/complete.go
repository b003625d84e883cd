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
	"mmpf.dev/mmpf/pkg/log"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
)

// complete waits for the request's read and reconciles its frames. On
// failure every reference held by the request has been dropped and the read
// error is returned.
func (req *request) complete() error {
	block := req.block
	err := block.completion.Wait()

	reg := req.p.reg
	reg.Lock()
	defer reg.Unlock()
	req.finishReadsLocked(req.io.Pages(), err)
	if err != nil {
		req.unwindLocked(req.pages)
	}
	// Waiters on our frames see their final state.
	block.event.Set()

	if err != nil {
		log.Warningf("Prefetch %v: read of %d pages at %#x of %s failed: %v", req.id, req.io.Len(), block.readOffset, block.file.Name(), err)
	}
	return err
}

// waitForCollidedReads waits for the reads of other requests that the
// request collided with. The first of them to fail fails the request, which
// drops every reference it holds; if that read was abandoned by its owner
// the error is errCollisionAbandoned.
func (req *request) waitForCollidedReads() error {
	if len(req.collided) == 0 {
		return nil
	}
	frames := make(map[*pfn.Event][]pfn.FrameID)
	for _, c := range req.collided {
		frames[c.event] = append(frames[c.event], c.frame)
	}

	done := make(chan *pfn.Event, len(frames))
	for ev := range frames {
		go func(ev *pfn.Event) {
			<-ev.Done()
			done <- ev
		}(ev)
	}

	reg := req.p.reg
	for range frames {
		ev := <-done
		reg.Lock()
		for _, id := range frames[ev] {
			if f := reg.FrameLocked(id); f.InPageError() {
				status := f.ReadStatus()
				req.unwindLocked(req.pages)
				reg.Unlock()
				log.Debugf("Prefetch %v: collided read into frame %d failed: %v", req.id, id, status)
				return collisionError(status)
			}
		}
		reg.Unlock()
	}
	return nil
}
