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
	"encoding/hex"
	"flag"
	"os"

	"github.com/google/subcommands"

	"mmpf.dev/mmpf/mmpf/cmd/util"
	"mmpf.dev/mmpf/mmpf/config"
	"mmpf.dev/mmpf/pkg/sentry/sched"
)

// Prefetch implements subcommands.Command for the "prefetch" command.
type Prefetch struct {
	offset  uint64
	length  uint64
	dump    int
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Prefetch) Name() string {
	return "prefetch"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Prefetch) Synopsis() string {
	return "lock a range of a file into memory"
}

// Usage implements subcommands.Command.Usage.
func (*Prefetch) Usage() string {
	return `prefetch [flags] <path> - reads a byte range of a file into locked frames, reports them and unlocks them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Prefetch) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&p.offset, "offset", 0, "byte offset of the range.")
	f.Uint64Var(&p.length, "length", 0, "byte length of the range; 0 means up to the end of the file.")
	f.IntVar(&p.dump, "dump", 0, "number of bytes of the range to hex dump.")
	f.BoolVar(&p.metrics, "metrics", false, "print metrics in Prometheus format when done.")
}

// Execute implements subcommands.Command.Execute.
func (p *Prefetch) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := newSystem(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer s.release()
	file, closeFile, err := s.openHostFile(f.Arg(0))
	if err != nil {
		util.Fatalf("opening %q: %v", f.Arg(0), err)
	}
	defer closeFile()

	length := p.length
	if length == 0 {
		size, err := file.Size()
		if err != nil {
			util.Fatalf("stat %q: %v", f.Arg(0), err)
		}
		if uint64(size) <= p.offset {
			util.Fatalf("offset %d is past the end of %q (%d bytes)", p.offset, f.Arg(0), size)
		}
		length = uint64(size) - p.offset
	}

	ctx = sched.WithTask(ctx, sched.NewTask("prefetch"))
	d, err := s.p.PrefetchPages(ctx, file, p.offset, length)
	if err != nil {
		return util.Errorf("prefetching %d bytes at %d of %q: %v", length, p.offset, f.Arg(0), err)
	}
	util.Infof("Locked %v: frames %v", d, d.Pages())
	if p.dump > 0 {
		buf := make([]byte, min(p.dump, d.ByteCount()))
		n := s.p.CopyOut(d, buf)
		os.Stdout.WriteString(hex.Dump(buf[:n]))
	}
	s.logStats()
	if err := s.p.UnlockPages(d); err != nil {
		return util.Errorf("unlocking: %v", err)
	}
	if err := s.checkInvariants(); err != nil {
		return util.Errorf("frame registry is inconsistent: %v", err)
	}
	if err := writeMetrics(p.metrics, os.Stdout); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
