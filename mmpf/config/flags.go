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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"mmpf.dev/mmpf/pkg/refs"
	"mmpf.dev/mmpf/pkg/sentry/prefetch"
	"mmpf.dev/mmpf/pkg/sentry/section"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with settings; flags given on the command line override it.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Frame registry flags.
	flagSet.Int("frames", 4096, "number of page frames.")
	flagSet.Int("colors", 1, "number of cache colors.")
	flagSet.Int("low-memory-pages", 0, "available frame count below which reads wait for memory.")
	flagSet.Int("resident-reserve", 0, "number of frames that can never be locked.")
	flagSet.Int("subsection-pages", section.DefaultSubsectionPages, "number of PTEs per subsection of a mapped file.")

	// Prefetch flags.
	flagSet.Int64("pool-bytes", 1<<20, "nonpaged pool budget for descriptors, in bytes.")
	flagSet.Int("io-depth", 8, "maximum number of reads in flight.")
	flagSet.Duration("retry-delay", prefetch.DefaultRetryDelay, "delay between retries of a page whose read failed.")
	flagSet.Duration("low-memory-timeout", prefetch.DefaultLowMemoryTimeout, "bound on each wait for available memory.")
	flagSet.Int("max-inline-pages", prefetch.DefaultMaxInlinePages, "largest read whose page list is kept inline.")
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

// NewFromFlags creates a new Config with values coming from command line
// flags, and from the file named by --config for flags not set explicitly.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if conf.ConfigFile != "" {
		if err := conf.loadFile(flagSet); err != nil {
			return nil, err
		}
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// loadFile decodes c.ConfigFile over c, then reapplies flags that were set
// explicitly.
func (c *Config) loadFile(flagSet *flag.FlagSet) error {
	md, err := toml.DecodeFile(c.ConfigFile, c)
	if err != nil {
		return fmt.Errorf("loading config file %q: %w", c.ConfigFile, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in config file %q: %v", c.ConfigFile, undecoded)
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok || !set[name] {
			continue
		}
		obj.Field(i).Set(reflect.ValueOf(flagSet.Lookup(name).Value.(flag.Getter).Get()))
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if d, ok := field.Interface().(time.Duration); ok {
		return d.String()
	}
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
