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

// Package cmd holds implementations of the mmpf commands.
package cmd

import (
	"fmt"
	"io"

	"mmpf.dev/mmpf/mmpf/config"
	"mmpf.dev/mmpf/pkg/cleanup"
	"mmpf.dev/mmpf/pkg/log"
	"mmpf.dev/mmpf/pkg/metric"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
	"mmpf.dev/mmpf/pkg/sentry/pool"
	"mmpf.dev/mmpf/pkg/sentry/prefetch"
	"mmpf.dev/mmpf/pkg/sentry/section"
	"mmpf.dev/mmpf/pkg/sentry/storage"
)

// system is a memory manager instance built from a Config.
type system struct {
	conf     *config.Config
	reg      *pfn.Registry
	pool     *pool.Pool
	sections *section.Table
	p        *prefetch.Prefetcher

	mapped []*section.Section
}

func newSystem(conf *config.Config) (*system, error) {
	reg, err := pfn.New(conf.RegistryOptions())
	if err != nil {
		return nil, fmt.Errorf("creating frame registry: %w", err)
	}
	s := &system{
		conf:     conf,
		reg:      reg,
		pool:     pool.New(conf.PoolBytes, reg.AccountNonpaged),
		sections: section.NewTable(),
	}
	s.p = prefetch.New(reg, s.sections, s.pool, storage.NewReader(conf.IODepth), conf.PrefetchConfig())
	return s, nil
}

// mapFile creates a file section covering size bytes of f.
func (s *system) mapFile(f storage.File, size int64) (*section.Section, error) {
	sec, err := section.New(section.File, f, uint64(size), s.conf.SubsectionPages)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", f.Name(), err)
	}
	if err := s.sections.Add(sec); err != nil {
		sec.Release(s.reg)
		return nil, fmt.Errorf("mapping %s: %w", f.Name(), err)
	}
	s.mapped = append(s.mapped, sec)
	return sec, nil
}

// openHostFile opens and maps the host file at path. The returned function
// closes it.
func (s *system) openHostFile(path string) (*storage.HostFile, func(), error) {
	f, err := storage.OpenHostFile(path)
	if err != nil {
		return nil, nil, err
	}
	cu := cleanup.Make(func() { f.Close() })
	defer cu.Clean()

	size, err := f.Size()
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.mapFile(f, size); err != nil {
		return nil, nil, err
	}
	return f, cu.Release(), nil
}

// checkInvariants verifies the frame registry's invariants.
func (s *system) checkInvariants() error {
	s.reg.Lock()
	defer s.reg.Unlock()
	return s.reg.CheckInvariantsLocked()
}

// logStats logs frame counts and memory usage.
func (s *system) logStats() {
	st := s.reg.Stats()
	u := s.reg.Usage()
	log.Infof("Frames: free %d, zeroed %d, standby %d, modified %d, active %d, transition %d, references %d",
		st.Free, st.Zeroed, st.Standby, st.Modified, st.Active, st.Transition, st.References)
	log.Infof("Memory: system %d, page cache %d, locked %d, nonpaged %d bytes",
		u.System, u.PageCache, u.Locked, u.Nonpaged)
}

// release unmaps every mapped file and releases the registry.
func (s *system) release() {
	for _, sec := range s.mapped {
		s.sections.Remove(sec.File())
		if !sec.Release(s.reg) {
			log.Warningf("Section of %s still has views", sec.File().Name())
		}
	}
	s.reg.Release()
}

// writeMetrics writes all metrics in Prometheus text format if enabled.
func writeMetrics(enabled bool, w io.Writer) error {
	if !enabled {
		return nil
	}
	return metric.WritePrometheus(w)
}
