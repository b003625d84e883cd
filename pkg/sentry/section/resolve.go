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
	"fmt"
	"sync"

	"mmpf.dev/mmpf/pkg/errors/linuxerr"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
	"mmpf.dev/mmpf/pkg/sentry/storage"
)

// ViewRange is the run of subsections a resolution took view references on,
// one each, from First through Last inclusive. The zero value holds nothing.
type ViewRange struct {
	First *Subsection
	Last  *Subsection
}

// Empty returns true if r holds no views.
func (r ViewRange) Empty() bool {
	return r.First == nil
}

// Release drops the view reference on every subsection from First to Last.
func (r ViewRange) Release() {
	if r.First == nil {
		return
	}
	for ss := r.First; ; ss = ss.Next() {
		if ss == nil {
			panic("view range chain ends before its last subsection")
		}
		ss.RemoveViews(1)
		if ss == r.Last {
			return
		}
	}
}

// checkPrefetchable returns the error for sections whose pages cannot be
// prefetched: ROM sections are not supported, and physical, image and
// fileless sections are invalid.
func (s *Section) checkPrefetchable() error {
	switch s.kind {
	case File:
		if s.file == nil {
			return linuxerr.EINVAL
		}
		return nil
	case ROM:
		return linuxerr.EOPNOTSUPP
	default:
		return linuxerr.EINVAL
	}
}

// ResolveRange fills out with pointers to the count PTEs starting at page
// firstPage, taking one view reference on each subsection it enters.
//
// On error the returned ViewRange still names every subsection that was
// referenced; the caller releases it on every path. Kind and range checks
// fail before anything is referenced.
func (s *Section) ResolveRange(firstPage uint64, count int, out []*pfn.PTE) (ViewRange, error) {
	var vr ViewRange
	if err := s.checkPrefetchable(); err != nil {
		return vr, err
	}
	if count <= 0 || len(out) < count {
		return vr, linuxerr.EINVAL
	}
	if end := firstPage + uint64(count); end < firstPage || end > s.Pages() {
		return vr, linuxerr.EINVAL
	}

	ss := s.lookup(firstPage)
	if ss == nil {
		// Truncated since the range check.
		return vr, linuxerr.ENOENT
	}
	idx := int(firstPage - ss.startPage)
	for filled := 0; filled < count; {
		if err := ss.AddViews(1); err != nil {
			return vr, err
		}
		if vr.First == nil {
			vr.First = ss
		}
		vr.Last = ss

		for ; idx < len(ss.ptes) && filled < count; idx++ {
			out[filled] = &ss.ptes[idx]
			filled++
		}
		if filled == count {
			break
		}
		if ss = ss.Next(); ss == nil {
			return vr, linuxerr.ENOENT
		}
		idx = 0
	}
	return vr, nil
}

// Table maps files to their sections. It is the mapping-resolution
// collaborator of the prefetch path.
type Table struct {
	mu       sync.Mutex
	sections map[storage.File]*Section
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{sections: make(map[storage.File]*Section)}
}

// Add makes s the section of its file.
func (t *Table) Add(s *Section) error {
	if s.file == nil {
		return fmt.Errorf("section without a file: %w", linuxerr.EINVAL)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sections[s.file]; ok {
		return fmt.Errorf("%s already has a section: %w", s.file.Name(), linuxerr.EBUSY)
	}
	t.sections[s.file] = s
	return nil
}

// Remove forgets the section of file.
func (t *Table) Remove(file storage.File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sections, file)
}

// Resolve returns the section of file. Files without a section are invalid
// prefetch targets.
func (t *Table) Resolve(file storage.File) (*Section, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sections[file]
	if !ok {
		return nil, linuxerr.EINVAL
	}
	return s, nil
}
