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

package cleanup

import (
	"errors"
	"slices"
	"testing"
)

// setup records the order in which its steps are undone. It fails after
// step failAt unless failAt is negative.
func setup(order *[]string, failAt int) (func(), error) {
	cu := Make(func() { *order = append(*order, "arena") })
	defer cu.Clean()
	for i, step := range []string{"registry", "pool"} {
		if i == failAt {
			return nil, errors.New("setup failed")
		}
		step := step
		cu.Add(func() { *order = append(*order, step) })
	}
	return cu.Release(), nil
}

func TestCleanOnFailure(t *testing.T) {
	var order []string
	if _, err := setup(&order, 1); err == nil {
		t.Fatalf("setup succeeded, want failure")
	}
	if want := []string{"registry", "arena"}; !slices.Equal(order, want) {
		t.Errorf("undo order = %v, want %v", order, want)
	}
}

func TestRelease(t *testing.T) {
	var order []string
	undo, err := setup(&order, -1)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if len(order) != 0 {
		t.Fatalf("released cleanup ran %v", order)
	}
	undo()
	if want := []string{"pool", "registry", "arena"}; !slices.Equal(order, want) {
		t.Errorf("undo order = %v, want %v", order, want)
	}
}

func TestCleanTwice(t *testing.T) {
	n := 0
	cu := Make(func() { n++ })
	cu.Clean()
	cu.Clean()
	if n != 1 {
		t.Errorf("cleanup ran %d times, want 1", n)
	}
}
