// Copyright 2022 The gVisor Authors.
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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter

	// suppressed counts messages dropped since the last emitted one.
	suppressed atomic.Uint64
}

// allow reports whether a message may be emitted and, if so, how many
// messages were dropped before it.
func (rl *rateLimitedLogger) allow() (bool, uint64) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return false, 0
	}
	return true, rl.suppressed.Swap(0)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if ok, n := rl.allow(); ok {
		rl.logger.Debugf(format+suppressedSuffix(n), v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if ok, n := rl.allow(); ok {
		rl.logger.Infof(format+suppressedSuffix(n), v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if ok, n := rl.allow(); ok {
		rl.logger.Warningf(format+suppressedSuffix(n), v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

func suppressedSuffix(n uint64) string {
	if n == 0 {
		return ""
	}
	return " (" + uitoa(n) + " similar messages suppressed)"
}

func uitoa(n uint64) string {
	var b [20]byte
	i := len(b)
	for {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return string(b[i:])
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration. Dropped messages are counted and the
// count is appended to the next message that gets through.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
