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

package refs

import (
	"fmt"
	"testing"
)

type testCounter struct {
	AtomicRefCount
	destroyed int
}

func (c *testCounter) DecRef() {
	c.DecRefWithDestructor(func() { c.destroyed++ })
}

func (c *testCounter) RefType() string { return "testCounter" }

func (c *testCounter) LeakMessage() string {
	return fmt.Sprintf("[testCounter %p] %d refs", c, c.ReadRefs())
}

func TestRefCounting(t *testing.T) {
	c := &testCounter{}
	if got := c.ReadRefs(); got != 1 {
		t.Fatalf("ReadRefs = %d, want 1", got)
	}
	c.IncRefN(3)
	if got := c.ReadRefs(); got != 4 {
		t.Fatalf("ReadRefs = %d, want 4", got)
	}
	c.DecRefNWithDestructor(3, func() { c.destroyed++ })
	c.DecRef()
	if c.destroyed != 1 {
		t.Fatalf("destroyed %d times, want 1", c.destroyed)
	}
	if c.TryIncRef() {
		t.Fatalf("TryIncRef succeeded on destroyed object")
	}
}

func TestTryDropLast(t *testing.T) {
	c := &testCounter{}
	if !c.TryIncRefN(2) {
		t.Fatalf("TryIncRefN failed on live object")
	}
	if c.TryDropLast() {
		t.Fatalf("TryDropLast succeeded with extra references held")
	}
	c.DecRefNWithDestructor(2, nil)
	if !c.TryDropLast() {
		t.Fatalf("TryDropLast failed with only the base reference held")
	}
	if c.TryIncRef() {
		t.Fatalf("TryIncRef succeeded after TryDropLast")
	}
}

func TestDecRefPanicsBelowZero(t *testing.T) {
	c := &testCounter{}
	c.DecRef()
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef of destroyed object did not panic")
		}
	}()
	c.AtomicRefCount.DecRef()
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	c := &testCounter{}
	Register(c)
	if got := DoRepeatedLeakCheck(); got != 1 {
		t.Errorf("DoRepeatedLeakCheck = %d, want 1", got)
	}
	Unregister(c)
	if got := DoRepeatedLeakCheck(); got != 0 {
		t.Errorf("DoRepeatedLeakCheck = %d, want 0", got)
	}
}

func TestLeakModeFlag(t *testing.T) {
	var m LeakMode
	for _, s := range []string{"disabled", "log-names", "panic"} {
		if err := m.Set(s); err != nil {
			t.Fatalf("Set(%q) failed: %v", s, err)
		}
		if m.String() != s {
			t.Errorf("String() = %q, want %q", m.String(), s)
		}
	}
	if err := m.Set("bogus"); err == nil {
		t.Errorf("Set(bogus) succeeded")
	}
}
