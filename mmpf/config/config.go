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

// Package config provides basic infrastructure to set configuration settings
// for mmpf. Each setting is a command line flag and may also be set by a
// TOML configuration file.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mohae/deepcopy"

	"mmpf.dev/mmpf/pkg/log"
	"mmpf.dev/mmpf/pkg/refs"
	"mmpf.dev/mmpf/pkg/sentry/pfn"
	"mmpf.dev/mmpf/pkg/sentry/prefetch"
)

// Config holds configuration that is not part of a command's own flags.
//
// Fields tagged "flag" are populated from the flag of that name by
// NewFromFlags; fields tagged "toml" may also be set from a configuration
// file.
type Config struct {
	// ConfigFile is the path of a TOML file with settings. Flags set on the
	// command line take precedence over it.
	ConfigFile string `flag:"config" toml:"-"`

	// Frames is the number of page frames managed by the registry.
	Frames int `flag:"frames" toml:"frames"`

	// Colors is the number of cache colors frames are grouped by.
	Colors int `flag:"colors" toml:"colors"`

	// LowMemoryPages is the available frame count below which new reads
	// wait for memory.
	LowMemoryPages int `flag:"low-memory-pages" toml:"low_memory_pages"`

	// ResidentReserve is the number of frames that can never be locked.
	ResidentReserve int `flag:"resident-reserve" toml:"resident_reserve"`

	// SubsectionPages is the number of PTEs per subsection of a mapped file.
	SubsectionPages int `flag:"subsection-pages" toml:"subsection_pages"`

	// PoolBytes is the nonpaged pool budget for descriptors.
	PoolBytes int64 `flag:"pool-bytes" toml:"pool_bytes"`

	// IODepth is the maximum number of reads in flight.
	IODepth int `flag:"io-depth" toml:"io_depth"`

	// RetryDelay is the delay between retries of a page with a failed read.
	RetryDelay time.Duration `flag:"retry-delay" toml:"retry_delay"`

	// LowMemoryTimeout bounds each wait for available memory.
	LowMemoryTimeout time.Duration `flag:"low-memory-timeout" toml:"low_memory_timeout"`

	// MaxInlinePages is the largest read whose page list is kept inline.
	MaxInlinePages int `flag:"max-inline-pages" toml:"max_inline_pages"`

	// LogFilename is the file to log to. Empty means stderr.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"ref_leak_mode"`
}

func (c *Config) validate() error {
	if c.Frames <= 0 {
		return fmt.Errorf("frames must be positive, got %d", c.Frames)
	}
	if c.Colors <= 0 || c.Colors > c.Frames {
		return fmt.Errorf("colors must be in [1, %d], got %d", c.Frames, c.Colors)
	}
	if c.ResidentReserve < 0 || c.ResidentReserve >= c.Frames {
		return fmt.Errorf("resident-reserve must be in [0, %d), got %d", c.Frames, c.ResidentReserve)
	}
	if c.LowMemoryPages < 0 {
		return fmt.Errorf("low-memory-pages must not be negative, got %d", c.LowMemoryPages)
	}
	if c.SubsectionPages <= 0 {
		return fmt.Errorf("subsection-pages must be positive, got %d", c.SubsectionPages)
	}
	if c.PoolBytes <= 0 || c.IODepth <= 0 || c.MaxInlinePages <= 0 {
		return fmt.Errorf("pool-bytes, io-depth and max-inline-pages must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}

// RegistryOptions returns the frame registry options of c.
func (c *Config) RegistryOptions() pfn.Options {
	return pfn.Options{
		Frames:          c.Frames,
		Colors:          c.Colors,
		LowMemoryPages:  c.LowMemoryPages,
		ResidentReserve: c.ResidentReserve,
	}
}

// PrefetchConfig returns the prefetcher configuration of c.
func (c *Config) PrefetchConfig() prefetch.Config {
	return prefetch.Config{
		RetryDelay:       c.RetryDelay,
		LowMemoryTimeout: c.LowMemoryTimeout,
		MaxInlinePages:   c.MaxInlinePages,
	}
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("  %s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
