// Copyright 2018 The gVisor Authors.
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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pidField is the right-aligned pid column. glog pads it to 7 characters.
var pidField = fmt.Sprintf("%7d", os.Getpid())

func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// appendHeader appends the glog line header for a message logged at level
// and timestamp by the caller at file:line.
func appendHeader(b []byte, level Level, timestamp time.Time, file string, line int) []byte {
	b = append(b, levelChar(level))
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, pidField...)
	b = append(b, ' ')
	b = append(b, file...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(line), 10)
	return append(b, "] "...)
}

// caller returns the base file name and line of the caller depth frames above
// its own caller.
func caller(depth int) (string, int, bool) {
	_, path, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "", 0, false
	}
	return filepath.Base(path), line, true
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	file, line, ok := caller(depth + 1)
	if !ok {
		file = "???"
	}

	var local [256]byte
	b := appendHeader(local[:0], level, timestamp, file, line)
	b = fmt.Appendf(b, format, args...)
	b = append(b, '\n')

	// The message is already formatted.
	g.Emitter.Emit(depth+1, level, timestamp, "%s", b)
}
