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

package section

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"mmpf.dev/mmpf/pkg/errors/linuxerr"
	"mmpf.dev/mmpf/pkg/hostarch"
	"mmpf.dev/mmpf/pkg/refs"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
	"mmpf.dev/mmpf/pkg/sentry/storage"
)

func newRegistry(t *testing.T, frames int) *pfn.Registry {
	t.Helper()
	r, err := pfn.New(pfn.Options{Frames: frames})
	if err != nil {
		t.Fatalf("pfn.New got err %v want nil", err)
	}
	t.Cleanup(r.Release)
	return r
}

func newFileSection(t *testing.T, pages, perSubsection int) *Section {
	t.Helper()
	f := storage.NewPatternFile("file", pages)
	s, err := New(File, f, uint64(pages)*hostarch.PageSize, perSubsection)
	if err != nil {
		t.Fatalf("New got err %v want nil", err)
	}
	return s
}

func subsectionStarts(s *Section) []uint64 {
	var starts []uint64
	for ss := s.First(); ss != nil; ss = ss.Next() {
		starts = append(starts, ss.StartPage())
	}
	return starts
}

func TestNewChain(t *testing.T) {
	s := newFileSection(t, 10, 4)
	if diff := cmp.Diff([]uint64{0, 4, 8}, subsectionStarts(s)); diff != "" {
		t.Errorf("subsection starts mismatch (-want +got):\n%s", diff)
	}
	if got := s.Pages(); got != 10 {
		t.Errorf("Pages() = %d, want 10", got)
	}
	last := s.First().Next().Next()
	if got := last.Pages(); got != 2 {
		t.Errorf("last subsection has %d pages, want 2", got)
	}
	if got := last.PTE(1).Offset(); got != 9*hostarch.PageSize {
		t.Errorf("PTE offset = %#x, want %#x", got, 9*hostarch.PageSize)
	}
	if got := last.PTE(1).Kind(); got != pfn.Prototype {
		t.Errorf("PTE kind = %v, want Prototype", got)
	}
}

func TestResolveRangeAcrossSubsections(t *testing.T) {
	s := newFileSection(t, 10, 4)
	out := make([]*pfn.PTE, 5)
	vr, err := s.ResolveRange(3, 5, out)
	if err != nil {
		t.Fatalf("ResolveRange got err %v want nil", err)
	}
	for i, pte := range out {
		if want := uint64(3+i) * hostarch.PageSize; pte.Offset() != want {
			t.Errorf("out[%d] offset = %#x, want %#x", i, pte.Offset(), want)
		}
	}
	if vr.First.StartPage() != 0 || vr.Last.StartPage() != 4 {
		t.Errorf("view range = [%d, %d], want [0, 4]", vr.First.StartPage(), vr.Last.StartPage())
	}
	var views []int64
	for ss := s.First(); ss != nil; ss = ss.Next() {
		views = append(views, ss.Views())
	}
	if diff := cmp.Diff([]int64{1, 1, 0}, views); diff != "" {
		t.Errorf("views mismatch (-want +got):\n%s", diff)
	}
	vr.Release()
	for ss := s.First(); ss != nil; ss = ss.Next() {
		if ss.Views() != 0 {
			t.Errorf("subsection %d has %d views after release", ss.StartPage(), ss.Views())
		}
	}
}

func TestResolveRangeRejects(t *testing.T) {
	f := storage.NewPatternFile("file", 4)
	for _, test := range []struct {
		kind Kind
		file storage.File
		want error
	}{
		{ROM, f, linuxerr.EOPNOTSUPP},
		{Physical, f, linuxerr.EINVAL},
		{Image, f, linuxerr.EINVAL},
		{NoFile, nil, linuxerr.EINVAL},
	} {
		t.Run(test.kind.String(), func(t *testing.T) {
			s, err := New(test.kind, test.file, 4*hostarch.PageSize, 0)
			if err != nil {
				t.Fatalf("New got err %v want nil", err)
			}
			vr, err := s.ResolveRange(0, 1, make([]*pfn.PTE, 1))
			if err != test.want {
				t.Errorf("ResolveRange got err %v want %v", err, test.want)
			}
			if !vr.Empty() || s.First().Views() != 0 {
				t.Errorf("rejected resolution took views")
			}
		})
	}

	s := newFileSection(t, 4, 2)
	if _, err := s.ResolveRange(3, 2, make([]*pfn.PTE, 2)); err != linuxerr.EINVAL {
		t.Errorf("ResolveRange past the end got err %v want EINVAL", err)
	}
}

func TestTruncate(t *testing.T) {
	reg := newRegistry(t, 4)
	s := newFileSection(t, 12, 4)

	// A view on the middle subsection stops truncation there.
	out := make([]*pfn.PTE, 1)
	vr, err := s.ResolveRange(5, 1, out)
	if err != nil {
		t.Fatalf("ResolveRange got err %v want nil", err)
	}
	tail := vr.First.Next()

	// Give the last subsection a standby frame.
	pte := s.First().Next().Next().PTE(0)
	reg.Lock()
	id, err := reg.TakeFreeFrameLocked(0)
	if err != nil {
		t.Fatalf("TakeFreeFrameLocked got err %v want nil", err)
	}
	reg.InstallLocked(id, pte)
	reg.RemoveRefLocked(id)
	reg.Unlock()

	if got := s.Truncate(reg, 4); got != 8 {
		t.Errorf("Truncate = %d pages, want 8", got)
	}
	if diff := cmp.Diff([]uint64{0, 4}, subsectionStarts(s)); diff != "" {
		t.Errorf("subsection starts mismatch (-want +got):\n%s", diff)
	}
	if err := tail.AddViews(1); err != linuxerr.ENOENT {
		t.Errorf("AddViews on unpublished subsection got err %v want ENOENT", err)
	}
	if got := reg.Info(id); got.State != pfn.Free {
		t.Errorf("frame of truncated page is %v, want Free", got.State)
	}
	if pte.Kind() != pfn.Prototype {
		t.Errorf("truncated PTE = %v, want Prototype", *pte)
	}

	vr.Release()
	if got := s.Truncate(reg, 4); got != 4 {
		t.Errorf("Truncate = %d pages, want 4", got)
	}
	if _, err := s.ResolveRange(5, 1, out); err != linuxerr.EINVAL {
		t.Errorf("ResolveRange of truncated page got err %v want EINVAL", err)
	}
	s.Extend(6)
	if diff := cmp.Diff([]uint64{0, 4}, subsectionStarts(s)); diff != "" {
		t.Errorf("subsection starts after Extend mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentResolveAndTruncate(t *testing.T) {
	reg := newRegistry(t, 1)
	s := newFileSection(t, 64, 4)

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			out := make([]*pfn.PTE, 8)
			for i := 0; i < 200; i++ {
				vr, err := s.ResolveRange(uint64(i%56), 8, out)
				if err != nil && err != linuxerr.ENOENT && err != linuxerr.EINVAL {
					vr.Release()
					return err
				}
				vr.Release()
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 50; i++ {
			s.Truncate(reg, 8)
			s.Extend(64)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	for ss := s.First(); ss != nil; ss = ss.Next() {
		if ss.Views() != 0 {
			t.Errorf("subsection %d has %d views after all releases", ss.StartPage(), ss.Views())
		}
	}
}

func TestTable(t *testing.T) {
	tbl := NewTable()
	s := newFileSection(t, 2, 0)
	if err := tbl.Add(s); err != nil {
		t.Fatalf("Add got err %v want nil", err)
	}
	if err := tbl.Add(s); err == nil {
		t.Errorf("second Add got nil error")
	}
	got, err := tbl.Resolve(s.File())
	if err != nil || got != s {
		t.Errorf("Resolve = %p, %v; want %p, nil", got, err, s)
	}
	tbl.Remove(s.File())
	if _, err := tbl.Resolve(s.File()); err != linuxerr.EINVAL {
		t.Errorf("Resolve after Remove got err %v want EINVAL", err)
	}
}

func TestReleaseLeakCheck(t *testing.T) {
	refs.SetLeakMode(refs.LeaksLogWarning)
	defer refs.SetLeakMode(refs.NoLeakChecking)
	reg := newRegistry(t, 1)

	s := newFileSection(t, 8, 2)
	vr, err := s.ResolveRange(0, 1, make([]*pfn.PTE, 1))
	if err != nil {
		t.Fatalf("ResolveRange got err %v want nil", err)
	}
	if s.Release(reg) {
		t.Errorf("Release succeeded with a view held")
	}
	if got := refs.DoRepeatedLeakCheck(); got != 1 {
		t.Errorf("DoRepeatedLeakCheck = %d, want 1", got)
	}
	vr.Release()
	if !s.Release(reg) {
		t.Errorf("Release failed with no views held")
	}
	if got := refs.DoRepeatedLeakCheck(); got != 0 {
		t.Errorf("DoRepeatedLeakCheck = %d, want 0", got)
	}
}
