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

// Package prefetch reads file pages into locked frames.
//
// PrefetchPages resolves a byte range of a mapped file to its prototype PTEs,
// references every page that is already resident or in transition, starts a
// read into fresh frames for the rest, and returns a descriptor holding a
// locked reference on every page. All pages needing I/O are read by a single
// coalesced read; resident pages between them are covered by a per-request
// placeholder frame that absorbs the data read for them.
//
// A request runs in four steps: prepare (prepare.go), transition
// (transition.go), complete (complete.go) and release (release.go). Release
// runs on every exit path.
package prefetch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mmpf.dev/mmpf/pkg/errors/linuxerr"
	"mmpf.dev/mmpf/pkg/hostarch"
	"mmpf.dev/mmpf/pkg/log"
	"mmpf.dev/mmpf/pkg/metric"
	"mmpf.dev/mmpf/pkg/sentry/mdl"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
	"mmpf.dev/mmpf/pkg/sentry/pool"
	"mmpf.dev/mmpf/pkg/sentry/sched"
	"mmpf.dev/mmpf/pkg/sentry/section"
	"mmpf.dev/mmpf/pkg/sentry/storage"
)

var (
	requestsMetric = metric.MustCreateNewUint64Metric("/mm/prefetch/requests", "Number of prefetch requests, by result.",
		metric.NewField("result", []string{"ok", "no_io", "error"}))
	pagesMetric = metric.MustCreateNewUint64Metric("/mm/prefetch/pages", "Number of pages locked by prefetch requests, by how they were found.",
		metric.NewField("outcome", []string{"valid", "transition", "collided", "read"}))
	retriesMetric = metric.MustCreateNewUint64Metric("/mm/prefetch/retries", "Number of prefetch retry loop iterations, by reason.",
		metric.NewField("reason", []string{"in_page_error", "low_memory", "collision"}))
	inlineMetric = metric.MustCreateNewUint64Metric("/mm/prefetch/inline_reads", "Number of reads whose I/O descriptor was embedded in the tracking block.")
)

// Defaults for Config fields left zero.
const (
	DefaultRetryDelay       = 10 * time.Millisecond
	DefaultLowMemoryTimeout = 100 * time.Millisecond
	DefaultMaxInlinePages   = 16
	DefaultMaxListRunPages  = 256
	DefaultLogInterval      = time.Second
)

// Config configures a Prefetcher.
type Config struct {
	// RetryDelay is the sleep between retries when a page's frame has a
	// pending in-page error.
	RetryDelay time.Duration

	// LowMemoryTimeout bounds each wait for available memory.
	LowMemoryTimeout time.Duration

	// MaxInlinePages is the largest trimmed I/O descriptor that is copied
	// into the tracking block.
	MaxInlinePages int

	// MaxListRunPages is the largest run PrefetchList prefetches at once.
	MaxListRunPages int

	// LogInterval rate limits retry warnings.
	LogInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.LowMemoryTimeout <= 0 {
		c.LowMemoryTimeout = DefaultLowMemoryTimeout
	}
	if c.MaxInlinePages <= 0 {
		c.MaxInlinePages = DefaultMaxInlinePages
	}
	if c.MaxListRunPages <= 0 || c.MaxListRunPages >= pfn.MaxRefCount {
		c.MaxListRunPages = DefaultMaxListRunPages
	}
	if c.LogInterval <= 0 {
		c.LogInterval = DefaultLogInterval
	}
}

// Prefetcher locks file pages into frames.
type Prefetcher struct {
	reg      *pfn.Registry
	sections *section.Table
	pool     *pool.Pool
	reader   *storage.Reader
	cfg      Config

	// retryLog rate limits warnings from retry loops.
	retryLog log.Logger
}

// New returns a Prefetcher.
func New(reg *pfn.Registry, sections *section.Table, p *pool.Pool, reader *storage.Reader, cfg Config) *Prefetcher {
	cfg.setDefaults()
	return &Prefetcher{
		reg:      reg,
		sections: sections,
		pool:     p,
		reader:   reader,
		cfg:      cfg,
		retryLog: log.BasicRateLimitedLogger(cfg.LogInterval),
	}
}

// Registry returns the frame registry used by p.
func (p *Prefetcher) Registry() *pfn.Registry { return p.reg }

// PrefetchPages locks the pages spanning length bytes of file starting at
// offset, reading any that are not resident, and returns a descriptor
// listing one frame per page. The caller owns one locked reference on each
// frame and must release them with UnlockPages.
//
// Errors: EOPNOTSUPP for ROM sections; EINVAL for physical, image and
// fileless sections, files without a section and ranges outside the section;
// ENOMEM for resource exhaustion; otherwise the error of the failed read.
//
// The calling task (sched.FromContext) must not already be prefetching or
// faulting; PrefetchPages panics if it is.
func (p *Prefetcher) PrefetchPages(ctx context.Context, file storage.File, offset, length uint64) (*mdl.Descriptor, error) {
	if length == 0 {
		return nil, linuxerr.EINVAL
	}
	pages, ok := hostarch.PagesSpanned(offset, length)
	if !ok || offset+length < offset {
		return nil, linuxerr.EINVAL
	}
	if placeholderOverflows(pages) {
		requestsMetric.Increment("error")
		return nil, linuxerr.ENOMEM
	}

	t := sched.FromContext(ctx)
	if t == nil {
		t = sched.NewTask("prefetch")
	}
	g := sched.NoSuspend(t)
	defer g.Release()

	sec, err := p.sections.Resolve(file)
	if err != nil {
		requestsMetric.Increment("error")
		return nil, err
	}

	req := p.newRequest(file, offset, length, int(pages))
	defer req.release()
	if err := req.run(ctx, sec); err != nil {
		req.status = err
		requestsMetric.Increment("error")
		if log.IsLogging(log.Debug) {
			log.Debugf("Prefetch %v: %d pages at %#x of %s failed: %v", req.id, pages, offset, file.Name(), err)
		}
		return nil, err
	}
	return req.result, nil
}

// placeholderOverflows returns true if the placeholder frame cannot carry
// one reference per page on top of its own.
func placeholderOverflows(pages uint64) bool {
	return pages+1 > pfn.MaxRefCount
}

// run performs every step of the request but release.
func (req *request) run(ctx context.Context, sec *section.Section) error {
	if err := req.prepare(sec); err != nil {
		return err
	}
	for {
		issued, err := req.attempt(ctx)
		if err != errCollisionAbandoned {
			if err == nil {
				if issued {
					requestsMetric.Increment("ok")
				} else {
					requestsMetric.Increment("no_io")
				}
			}
			return err
		}
		retriesMetric.Increment("collision")
		log.Debugf("Prefetch %v: a collided read was abandoned, restarting", req.id)
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := req.reset(); err != nil {
			return err
		}
	}
}

// attempt transitions every page, waits for the request's own read and for
// the reads it collided with. It returns errCollisionAbandoned, holding no
// page references, if one of those reads was abandoned by its owner.
func (req *request) attempt(ctx context.Context) (issued bool, err error) {
	issued, err = req.transition(ctx)
	if err != nil {
		return false, err
	}
	if issued {
		if err := req.complete(); err != nil {
			return false, err
		}
	}
	return issued, req.waitForCollidedReads()
}

// UnlockPages releases a descriptor returned by PrefetchPages: it drops the
// locked reference on every page, returns the resident charge and frees the
// descriptor.
func (p *Prefetcher) UnlockPages(d *mdl.Descriptor) error {
	if d.Flags()&mdl.PagesLocked == 0 {
		return fmt.Errorf("unlocking %v: %w", d, linuxerr.EINVAL)
	}
	p.reg.Lock()
	for _, id := range d.Pages() {
		p.reg.RemoveRefLocked(id)
	}
	p.reg.ReturnResidentLocked(d.ResidentCharge())
	p.reg.Unlock()
	d.SetResidentCharge(0)
	d.ClearFlags(mdl.PagesLocked)
	d.Free()
	return nil
}

// CopyOut copies the bytes described by d into dst and returns the number of
// bytes copied.
//
// Preconditions: d holds locked pages.
func (p *Prefetcher) CopyOut(d *mdl.Descriptor, dst []byte) int {
	done := 0
	skip := d.ByteOffset()
	remaining := d.ByteCount()
	for _, id := range d.Pages() {
		if remaining == 0 || done == len(dst) {
			break
		}
		src := p.reg.FrameData(id)[skip:]
		if len(src) > remaining {
			src = src[:remaining]
		}
		n := copy(dst[done:], src)
		done += n
		remaining -= n
		skip = 0
	}
	return done
}

// PrefetchList reads the given pages of file onto the standby list. Page
// offsets are byte offsets; they are rounded down to pages, sorted and
// coalesced into runs, each prefetched and immediately unlocked. It returns
// the number of pages brought in and the first error encountered; runs after
// a failed run are still attempted.
func (p *Prefetcher) PrefetchList(ctx context.Context, file storage.File, offsets []uint64) (int, error) {
	if len(offsets) == 0 {
		return 0, nil
	}
	idx := make([]uint64, len(offsets))
	for i, off := range offsets {
		idx[i] = hostarch.PageIndex(off)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })

	var (
		done     int
		firstErr error
	)
	flush := func(start, n uint64) {
		d, err := p.PrefetchPages(ctx, file, start<<hostarch.PageShift, n<<hostarch.PageShift)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		done += d.Len()
		if err := p.UnlockPages(d); err != nil {
			panic(fmt.Sprintf("unlocking prefetched run: %v", err))
		}
	}

	start, n := idx[0], uint64(1)
	for _, page := range idx[1:] {
		switch {
		case page == start+n-1:
			// Duplicate.
		case page == start+n && n < uint64(p.cfg.MaxListRunPages):
			n++
		default:
			flush(start, n)
			start, n = page, 1
		}
	}
	flush(start, n)
	return done, firstErr
}
