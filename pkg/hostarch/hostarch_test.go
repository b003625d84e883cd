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

package hostarch

import (
	"math"
	"testing"
)

func TestPagesSpanned(t *testing.T) {
	for _, tc := range []struct {
		name   string
		offset uint64
		length uint64
		want   uint64
	}{
		{"empty", 0, 0, 0},
		{"one byte", 0, 1, 1},
		{"exact page", 0, PageSize, 1},
		{"three pages", 0, 3 * PageSize, 3},
		{"unaligned within page", 100, 200, 1},
		{"unaligned crossing", PageSize - 1, 2, 2},
		{"unaligned three pages", 10, 2 * PageSize, 3},
		{"high offset", 7 * PageSize, PageSize + 1, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := PagesSpanned(tc.offset, tc.length)
			if !ok {
				t.Fatalf("PagesSpanned(%d, %d) overflowed", tc.offset, tc.length)
			}
			if got != tc.want {
				t.Errorf("PagesSpanned(%d, %d) = %d, want %d", tc.offset, tc.length, got, tc.want)
			}
		})
	}
}

func TestPagesSpannedOverflow(t *testing.T) {
	if _, ok := PagesSpanned(uint64(PageSize-1), uint64(math.MaxUint64)); ok {
		t.Errorf("PagesSpanned did not report overflow")
	}
}

func TestRounding(t *testing.T) {
	if got := PageRoundDown(uint64(PageSize + 5)); got != PageSize {
		t.Errorf("PageRoundDown = %d, want %d", got, PageSize)
	}
	if got, ok := PageRoundUp(uint64(PageSize + 5)); !ok || got != 2*PageSize {
		t.Errorf("PageRoundUp = %d, %v, want %d, true", got, ok, 2*PageSize)
	}
	if _, ok := PageRoundUp(uint64(math.MaxUint64)); ok {
		t.Errorf("PageRoundUp(MaxUint64) did not report wraparound")
	}
	if got := PageOffset(uint32(PageSize + 5)); got != 5 {
		t.Errorf("PageOffset = %d, want 5", got)
	}
}
