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

package storage

import (
	"io"
	"sync"

	"mmpf.dev/mmpf/pkg/hostarch"
)

// ReadRecord describes one ReadAt call on a MemFile.
type ReadRecord struct {
	Offset int64
	Length int
}

// MemFile is an in-memory File. Its reads can be failed or held for testing
// and for the stress command.
type MemFile struct {
	name string

	mu   sync.Mutex
	data []byte

	// failPages maps page indexes to the error returned by any read
	// touching that page.
	failPages map[uint64]error

	// gate, if not nil, is received from before every read.
	gate chan struct{}

	reads []ReadRecord
}

// NewMemFile returns a MemFile holding data.
func NewMemFile(name string, data []byte) *MemFile {
	return &MemFile{
		name:      name,
		data:      data,
		failPages: make(map[uint64]error),
	}
}

// NewPatternFile returns a MemFile of the given number of pages, where every
// byte of page i holds byte(i+1).
func NewPatternFile(name string, pages int) *MemFile {
	data := make([]byte, pages*hostarch.PageSize)
	for i := range data {
		data[i] = byte(i/hostarch.PageSize + 1)
	}
	return NewMemFile(name, data)
}

// Name implements File.Name.
func (f *MemFile) Name() string { return f.name }

// Size returns the file size in bytes.
func (f *MemFile) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

// FailPage makes reads touching the given page index fail with err. A nil
// err clears the failure.
func (f *MemFile) FailPage(page uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failPages, page)
		return
	}
	f.failPages[page] = err
}

// Hold makes subsequent reads block until the returned function is called.
func (f *MemFile) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Reads returns a copy of every ReadAt call made so far.
func (f *MemFile) Reads() []ReadRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReadRecord(nil), f.reads...)
}

// ReadAt implements File.ReadAt.
func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	f.reads = append(f.reads, ReadRecord{Offset: off, Length: len(p)})
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(p) > 0 && off >= 0 {
		first, last := uint64(off)>>hostarch.PageShift, (uint64(off)+uint64(len(p))-1)>>hostarch.PageShift
		for page := first; page <= last; page++ {
			if err, ok := f.failPages[page]; ok {
				return 0, err
			}
		}
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
