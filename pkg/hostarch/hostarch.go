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

// Package hostarch contains page-size constants and page arithmetic shared by
// the memory manager packages.
package hostarch

import (
	"golang.org/x/exp/constraints"
)

const (
	// PageShift is the binary log of the page size managed by the frame
	// registry. It is independent of the host page size.
	PageShift = 12

	// PageSize is the page size managed by the frame registry.
	PageSize = 1 << PageShift

	// PageMask is PageSize - 1.
	PageMask = PageSize - 1
)

// bytecount is an unsigned integer wide enough to hold PageMask.
type bytecount interface {
	constraints.Unsigned
	~uint | ~uint32 | ~uint64 | ~uintptr
}

// PageRoundDown rounds x down to the nearest page boundary.
func PageRoundDown[T bytecount](x T) T {
	return x &^ PageMask
}

// PageRoundUp rounds x up to the nearest page boundary. ok is true iff
// rounding up did not wrap around.
func PageRoundUp[T bytecount](x T) (val T, ok bool) {
	val = PageRoundDown(x + PageMask)
	ok = val >= x
	return
}

// PageOffset returns the offset of x within its page.
func PageOffset[T bytecount](x T) T {
	return x & PageMask
}

// PagesSpanned returns the number of pages touched by the byte range
// [offset, offset+length), i.e. ceil((PageOffset(offset) + length) / PageSize).
// ok is false if the computation overflows.
func PagesSpanned[T bytecount](offset, length T) (pages T, ok bool) {
	if length == 0 {
		return 0, true
	}
	span := PageOffset(offset) + length
	if span < length {
		return 0, false
	}
	end, ok := PageRoundUp(span)
	if !ok {
		// The last partial page still counts.
		return span>>PageShift + 1, true
	}
	return end >> PageShift, true
}

// PageIndex returns the index of the page containing x.
func PageIndex[T bytecount](x T) T {
	return x >> PageShift
}
