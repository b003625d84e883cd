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
	"flag"
	"os"
	"strconv"

	"github.com/google/subcommands"

	"mmpf.dev/mmpf/mmpf/cmd/util"
	"mmpf.dev/mmpf/mmpf/config"
	"mmpf.dev/mmpf/pkg/sentry/sched"
)

// ReadList implements subcommands.Command for the "readlist" command.
type ReadList struct {
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*ReadList) Name() string {
	return "readlist"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*ReadList) Synopsis() string {
	return "read a list of file pages onto the standby list"
}

// Usage implements subcommands.Command.Usage.
func (*ReadList) Usage() string {
	return `readlist [flags] <path> <offset>... - reads the pages containing each byte offset, coalescing adjacent pages into single reads.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *ReadList) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.metrics, "metrics", false, "print metrics in Prometheus format when done.")
}

// Execute implements subcommands.Command.Execute.
func (r *ReadList) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var offsets []uint64
	for _, arg := range f.Args()[1:] {
		off, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			f.Usage()
			return subcommands.ExitUsageError
		}
		offsets = append(offsets, off)
	}

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

	ctx = sched.WithTask(ctx, sched.NewTask("readlist"))
	n, err := s.p.PrefetchList(ctx, file, offsets)
	util.Infof("Read %d pages of %q", n, f.Arg(0))
	if err != nil {
		return util.Errorf("reading list: %v", err)
	}
	s.logStats()
	if err := s.checkInvariants(); err != nil {
		return util.Errorf("frame registry is inconsistent: %v", err)
	}
	if err := writeMetrics(r.metrics, os.Stdout); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
