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

// Package storage provides the files that back mapped sections and the
// asynchronous read path used to fill frames.
package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"
	"mmpf.dev/mmpf/pkg/errors/linuxerr"
	"mmpf.dev/mmpf/pkg/hostarch"
	"mmpf.dev/mmpf/pkg/log"
	"mmpf.dev/mmpf/pkg/metric"
)

var (
	readsIssued    = metric.MustCreateNewUint64Metric("/storage/reads", "Number of reads submitted.")
	readBytes      = metric.MustCreateNewUint64Metric("/storage/read_bytes", "Number of bytes requested by submitted reads.")
	readsCompleted = metric.MustCreateNewUint64Metric("/storage/reads_completed", "Number of reads completed, by result.",
		metric.NewField("result", []string{"ok", "error"}))
)

// File is a file that can back a mapped section.
type File interface {
	// Name identifies the file in log messages.
	Name() string

	// ReadAt has io.ReaderAt semantics: it reads len(p) bytes at off, and
	// returns io.EOF with n < len(p) at end of file.
	ReadAt(p []byte, off int64) (n int, err error)
}

// Completion is the completion signal and status of one read.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewCompletion returns a pending Completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Complete records the read's status and wakes waiters. Only the first call
// has any effect.
func (c *Completion) Complete(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done returns a channel that is closed when the read completes.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the read completes and returns its status.
func (c *Completion) Wait() error {
	<-c.done
	return c.err
}

// Err returns the read's status. It is only meaningful after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Reader submits asynchronous page reads, bounding the number in flight.
type Reader struct {
	sem *semaphore.Weighted
}

// NewReader returns a Reader allowing depth concurrent reads.
func NewReader(depth int) *Reader {
	if depth <= 0 {
		depth = 1
	}
	return &Reader{sem: semaphore.NewWeighted(int64(depth))}
}

// SubmitRead starts reading len(pages) pages from file at offset, one page
// into each of pages. Data beyond the end of file reads as zero.
//
// If SubmitRead returns an error the read was not started and c is left
// untouched; the caller owns signalling it. Otherwise c is completed when the
// read finishes.
//
// ctx only bounds submission: once started, a read runs to completion.
func (r *Reader) SubmitRead(ctx context.Context, file File, pages [][]byte, offset uint64, c *Completion) error {
	if len(pages) == 0 || hostarch.PageOffset(offset) != 0 {
		return linuxerr.EINVAL
	}
	for i, p := range pages {
		if len(p) != hostarch.PageSize {
			return fmt.Errorf("page %d of read has length %d: %w", i, len(p), linuxerr.EINVAL)
		}
	}
	if int64(offset) < 0 {
		return linuxerr.EFBIG
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	readsIssued.Increment()
	readBytes.IncrementBy(uint64(len(pages)) * hostarch.PageSize)

	go func() {
		defer r.sem.Release(1)
		err := readPages(file, pages, int64(offset))
		if err != nil {
			readsCompleted.Increment("error")
			log.Debugf("Read of %d pages at %#x from %s failed: %v", len(pages), offset, file.Name(), err)
		} else {
			readsCompleted.Increment("ok")
		}
		c.Complete(err)
	}()
	return nil
}

// readPages fills pages from file starting at off.
func readPages(file File, pages [][]byte, off int64) error {
	for i, p := range pages {
		n, err := file.ReadAt(p, off)
		if err == io.EOF {
			// Zero the remainder of the page and every page after it.
			clear(p[n:])
			for _, rest := range pages[i+1:] {
				clear(rest)
			}
			return nil
		}
		if err != nil {
			return err
		}
		off += int64(n)
	}
	return nil
}
