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
	"slices"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

// messages returns the written lines without their newlines. Writer may
// write a message and its newline separately.
func (w *testWriter) messages() []string {
	joined := strings.TrimSuffix(strings.Join(w.lines, ""), "\n")
	if joined == "" {
		return nil
	}
	return strings.Split(joined, "\n")
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %q, expected: %q", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Debug, Emitter: GoogleEmitter{&Writer{Next: tw}}}
	l.Warningf("frame %d in %s", 7, "transition")

	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if line[0] != 'W' {
		t.Errorf("line %q does not start with the warning level", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("line %q does not name the calling file", line)
	}
	if !strings.HasSuffix(line, "] frame 7 in transition\n") {
		t.Errorf("line %q does not end with the formatted message", line)
	}
}

func TestGoogleHeader(t *testing.T) {
	ts := time.Date(2026, 3, 9, 14, 5, 7, 123456789, time.UTC)
	got := string(appendHeader(nil, Info, ts, "transition.go", 42))
	want := "I0309 14:05:07.123456 " + pidField + " transition.go:42] "
	if got != want {
		t.Errorf("appendHeader = %q, want %q", got, want)
	}
	if len(pidField) < 7 {
		t.Errorf("pid field %q narrower than 7 columns", pidField)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden")
	l.Infof("shown")
	l.SetLevel(Warning)
	l.Infof("hidden")
	l.Warningf("shown")
	if got, want := tw.messages(), []string{"shown", "shown"}; !slices.Equal(got, want) {
		t.Fatalf("got messages %q, want %q", got, want)
	}
	if !l.IsLogging(Warning) || l.IsLogging(Info) {
		t.Errorf("IsLogging disagrees with level %v", l.Level)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Warningf("retry %d", i)
	}
	if got, want := tw.messages(), []string{"retry 0"}; !slices.Equal(got, want) {
		t.Fatalf("got messages %q, want %q", got, want)
	}
	if got := rl.(*rateLimitedLogger).suppressed.Load(); got != 4 {
		t.Errorf("suppressed = %d, want 4", got)
	}
}

func TestSuppressedSuffix(t *testing.T) {
	for _, tc := range []struct {
		n    uint64
		want string
	}{
		{0, ""},
		{1, " (1 similar messages suppressed)"},
		{120, " (120 similar messages suppressed)"},
	} {
		if got := suppressedSuffix(tc.n); got != tc.want {
			t.Errorf("suppressedSuffix(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestOpenFilePattern(t *testing.T) {
	dir := t.TempDir()
	opts := PatternOpts{Command: "stress", Time: time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)}
	f, err := OpenFile(dir+"/logs/", os.O_CREATE|os.O_WRONLY, opts)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()
	want := filepath.Join(dir, "logs", "mmpf.log.20260102-030405.000006.stress")
	if f.Name() != want {
		t.Errorf("OpenFile created %q, want %q", f.Name(), want)
	}

	if f, err := OpenFile("", os.O_CREATE, opts); f != nil || err != nil {
		t.Errorf("OpenFile with empty pattern = %v, %v, want nil, nil", f, err)
	}
}
