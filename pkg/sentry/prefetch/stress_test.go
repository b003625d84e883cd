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
	"math/rand"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
	"mmpf.dev/mmpf/pkg/errors/linuxerr"
)

// TestConcurrentOverlappingRequests runs overlapping requests against a
// small file while reads fail at random, checking the registry's invariants
// throughout.
func TestConcurrentOverlappingRequests(t *testing.T) {
	const (
		workers    = 8
		iterations = 200
		filePages  = 24
		maxPages   = 6
	)
	e := newTestEnv(t, envOpts{frames: 64, filePages: filePages})

	var stop atomic.Bool
	var g errgroup.Group
	var checker errgroup.Group
	checker.Go(func() error {
		for !stop.Load() {
			e.reg.Lock()
			err := e.reg.CheckInvariantsLocked()
			e.reg.Unlock()
			if err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < iterations && !stop.Load(); i++ {
			pg := uint64(rng.Intn(filePages))
			if rng.Intn(2) == 0 {
				e.file.FailPage(pg, linuxerr.EIO)
			} else {
				e.file.FailPage(pg, nil)
			}
		}
		return nil
	})

	var succeeded, failed atomic.Int64
	for w := 0; w < workers; w++ {
		seed := int64(w + 2)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < iterations; i++ {
				pages := 1 + rng.Intn(maxPages)
				first := rng.Intn(filePages - pages + 1)
				d, err := e.prefetch(t, first, pages)
				if err != nil {
					if !linuxerr.Equals(linuxerr.EIO, err) {
						return err
					}
					failed.Add(1)
					continue
				}
				succeeded.Add(1)
				got := make([]byte, d.ByteCount())
				e.p.CopyOut(d, got)
				for j, b := range got {
					if want := byte(first + j/page + 1); b != want {
						t.Errorf("page %d byte %d got %#x want %#x", first+j/page, j%page, b, want)
						break
					}
				}
				if err := e.p.UnlockPages(d); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	stop.Store(true)
	if cerr := checker.Wait(); cerr != nil {
		t.Fatalf("invariant violated under contention: %v", cerr)
	}
	if err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	t.Logf("%d requests succeeded, %d failed", succeeded.Load(), failed.Load())

	if s := e.reg.Stats(); s.References != 0 || s.Active != 0 || s.Transition != 0 {
		t.Errorf("after all requests got %+v, want no references", s)
	}
	e.checkReleased(t)
}
