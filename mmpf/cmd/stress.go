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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"mmpf.dev/mmpf/mmpf/cmd/util"
	"mmpf.dev/mmpf/mmpf/config"
	"mmpf.dev/mmpf/pkg/errors/linuxerr"
	"mmpf.dev/mmpf/pkg/hostarch"
	"mmpf.dev/mmpf/pkg/log"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
	"mmpf.dev/mmpf/pkg/sentry/sched"
	"mmpf.dev/mmpf/pkg/sentry/section"
	"mmpf.dev/mmpf/pkg/sentry/storage"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	filePages  int
	maxPages   int
	failRate   float64
	writeBack  bool
	seed       int64
	timeout    time.Duration
	metrics    bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent overlapping prefetches against an in-memory file"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs workers prefetching random overlapping ranges of an in-memory file while reads fail at random, verifying data and frame registry invariants.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 1000, "number of requests per worker.")
	f.IntVar(&s.filePages, "file-pages", 256, "size of the file in pages.")
	f.IntVar(&s.maxPages, "max-pages", 16, "maximum pages per request.")
	f.Float64Var(&s.failRate, "fail-rate", 0.01, "probability that a page read fails, re-drawn continuously.")
	f.BoolVar(&s.writeBack, "write-back", true, "run a modified page writer alongside the workers.")
	f.Int64Var(&s.seed, "seed", 1, "random seed.")
	f.DurationVar(&s.timeout, "timeout", 10*time.Second, "per-request timeout.")
	f.BoolVar(&s.metrics, "metrics", false, "print metrics in Prometheus format when done.")
}

type stressCounts struct {
	ok, failed, timedOut atomic.Int64
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.filePages <= 0 || s.maxPages <= 0 || s.maxPages > s.filePages {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	sys, err := newSystem(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer sys.release()
	file := storage.NewPatternFile("stress", s.filePages)
	sec, err := sys.mapFile(file, file.Size())
	if err != nil {
		util.Fatalf("%v", err)
	}

	var counts stressCounts
	start := time.Now()
	workers, wctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		rng := rand.New(rand.NewSource(s.seed + int64(w)))
		task := sched.NewTask(fmt.Sprintf("worker-%d", w))
		workers.Go(func() error {
			return s.work(sched.WithTask(wctx, task), sys, file, rng, &counts)
		})
	}

	// Helpers run until the workers are done.
	var stop atomic.Bool
	var helpers errgroup.Group
	helpers.Go(func() error {
		rng := rand.New(rand.NewSource(s.seed - 1))
		for !stop.Load() {
			pg := uint64(rng.Intn(s.filePages))
			if rng.Float64() < s.failRate {
				file.FailPage(pg, linuxerr.EIO)
			} else {
				file.FailPage(pg, nil)
			}
			time.Sleep(100 * time.Microsecond)
		}
		return nil
	})
	helpers.Go(func() error {
		for !stop.Load() {
			if err := sys.checkInvariants(); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	})
	if s.writeBack {
		helpers.Go(func() error {
			rng := rand.New(rand.NewSource(s.seed - 2))
			for !stop.Load() {
				if err := writeBackPage(sys.reg, sec, uint64(rng.Intn(s.filePages))); err != nil {
					return err
				}
			}
			return nil
		})
	}

	werr := workers.Wait()
	stop.Store(true)
	herr := helpers.Wait()
	for pg := 0; pg < s.filePages; pg++ {
		file.FailPage(uint64(pg), nil)
	}
	elapsed := time.Since(start)

	util.Infof("%d requests in %v: %d ok, %d failed reads, %d timed out", counts.ok.Load()+counts.failed.Load()+counts.timedOut.Load(), elapsed, counts.ok.Load(), counts.failed.Load(), counts.timedOut.Load())
	sys.logStats()
	if werr != nil {
		return util.Errorf("worker failed: %v", werr)
	}
	if herr != nil {
		return util.Errorf("frame registry is inconsistent: %v", herr)
	}
	if st := sys.reg.Stats(); st.References != 0 {
		return util.Errorf("%d frame references leaked", st.References)
	}
	if used := sys.pool.Used(); used != 0 {
		return util.Errorf("%d pool bytes leaked: %v", used, sys.pool.Outstanding())
	}
	if err := writeMetrics(s.metrics, os.Stdout); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// work runs one worker's requests, verifying the data of each.
func (s *Stress) work(ctx context.Context, sys *system, file *storage.MemFile, rng *rand.Rand, counts *stressCounts) error {
	for i := 0; i < s.iterations; i++ {
		pages := 1 + rng.Intn(s.maxPages)
		first := rng.Intn(s.filePages - pages + 1)
		// Unaligned ranges exercise partial first and last pages.
		skip := uint64(rng.Intn(hostarch.PageSize))
		offset := uint64(first)*hostarch.PageSize + skip
		length := uint64(pages)*hostarch.PageSize - skip

		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		d, err := sys.p.PrefetchPages(rctx, file, offset, length)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded):
			counts.timedOut.Add(1)
			continue
		case linuxerr.Equals(linuxerr.EIO, err):
			counts.failed.Add(1)
			continue
		default:
			return fmt.Errorf("prefetching %d bytes at %#x: %w", length, offset, err)
		}
		counts.ok.Add(1)

		buf := make([]byte, d.ByteCount())
		sys.p.CopyOut(d, buf)
		for j, b := range buf {
			pg := (offset + uint64(j)) / hostarch.PageSize
			if want := byte(pg + 1); b != want {
				sys.p.UnlockPages(d)
				return fmt.Errorf("page %d: got byte %#x, want %#x", pg, b, want)
			}
		}
		if err := sys.p.UnlockPages(d); err != nil {
			return err
		}
	}
	log.Debugf("Worker done after %d requests", s.iterations)
	return nil
}

// writeBackPage plays the modified page writer for one page: a referenced
// frame is marked modified, and a modified frame is written back while the
// writer holds a reference.
func writeBackPage(reg *pfn.Registry, sec *section.Section, pg uint64) error {
	ptes := make([]*pfn.PTE, 1)
	views, err := sec.ResolveRange(pg, 1, ptes)
	defer views.Release()
	if err != nil {
		return err
	}
	pte := ptes[0]

	reg.Lock()
	id := pte.Frame()
	if id == pfn.NoFrame {
		reg.Unlock()
		return nil
	}
	f := reg.FrameLocked(id)
	if !f.Modified() && f.RefCount() > 0 && !f.ReadInProgress() && !f.InPageError() {
		reg.MarkModifiedLocked(id)
	}
	if !f.Modified() || f.WriteInProgress() {
		reg.Unlock()
		return nil
	}
	reg.BeginWriteLocked(id)
	reg.Unlock()

	time.Sleep(50 * time.Microsecond)

	reg.Lock()
	reg.EndWriteLocked(id, nil)
	reg.Unlock()
	return nil
}
