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

// Package sched provides the per-task state the memory manager needs from
// the scheduler: an interrupt channel and a no-suspend section.
package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"mmpf.dev/mmpf/pkg/log"
)

// contextID is the sched package's type for context.Context.Value keys.
type contextID int

const (
	// CtxTask is a Context.Value key for a Task.
	CtxTask contextID = iota
)

// WithTask returns a context carrying t.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, CtxTask, t)
}

// FromContext returns the Task ctx is executing on, or nil.
func FromContext(ctx context.Context) *Task {
	if v := ctx.Value(CtxTask); v != nil {
		return v.(*Task)
	}
	return nil
}

// Task is a schedulable thread of execution.
type Task struct {
	name string

	// activeFaults is the number of no-suspend sections the task is in. It
	// is only ever 0 or 1.
	activeFaults atomic.Int32

	// interruptChan is notified whenever the task is woken by Interrupt.
	interruptChan chan struct{}

	// mu protects the fields below.
	mu sync.Mutex

	// suspendDisabled is true inside a no-suspend section.
	suspendDisabled bool

	// deferredWake is set when Interrupt arrives while suspension is
	// disabled.
	deferredWake bool

	// wakes counts delivered interrupts.
	wakes uint64
}

// NewTask returns a new Task.
func NewTask(name string) *Task {
	return &Task{
		name:          name,
		interruptChan: make(chan struct{}, 1),
	}
}

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// String implements fmt.Stringer.
func (t *Task) String() string { return fmt.Sprintf("task %q", t.name) }

// ActiveFaults returns the number of no-suspend sections the task is in.
func (t *Task) ActiveFaults() int { return int(t.activeFaults.Load()) }

// Interrupt wakes the task. Inside a no-suspend section the wake is recorded
// and delivered when the section ends.
func (t *Task) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suspendDisabled {
		t.deferredWake = true
		return
	}
	t.deliverLocked()
}

func (t *Task) deliverLocked() {
	t.wakes++
	select {
	case t.interruptChan <- struct{}{}:
	default:
	}
}

// Interrupted returns a channel that is notified when the task is woken.
func (t *Task) Interrupted() <-chan struct{} {
	return t.interruptChan
}

// Wakes returns the number of interrupts delivered to the task.
func (t *Task) Wakes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wakes
}

// EnterNoSuspend disables suspension of the task.
//
// Preconditions: The task is not in a no-suspend section.
func (t *Task) EnterNoSuspend() {
	if n := t.activeFaults.Add(1); n != 1 {
		t.activeFaults.Add(-1)
		panic(fmt.Sprintf("%v: nested no-suspend section (active faults %d)", t, n-1))
	}
	t.mu.Lock()
	t.suspendDisabled = true
	t.mu.Unlock()
}

// LeaveNoSuspend re-enables suspension. It returns true if a wake was
// deferred while suspension was disabled; the caller should then call
// RetryDeferredWake.
//
// Preconditions: The task is in a no-suspend section.
func (t *Task) LeaveNoSuspend() (deferredWake bool) {
	t.mu.Lock()
	t.suspendDisabled = false
	deferredWake = t.deferredWake
	t.deferredWake = false
	t.mu.Unlock()
	if n := t.activeFaults.Add(-1); n != 0 {
		panic(fmt.Sprintf("%v: left no-suspend section with active faults %d", t, n+1))
	}
	return deferredWake
}

// RetryDeferredWake delivers a wake deferred by a no-suspend section.
func (t *Task) RetryDeferredWake() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suspendDisabled {
		t.deferredWake = true
		return
	}
	t.deliverLocked()
}

// Guard is a scoped no-suspend section. Use as:
//
//	g := sched.NoSuspend(t)
//	defer g.Release()
type Guard struct {
	t *Task
}

// NoSuspend enters a no-suspend section on t and returns its guard. It
// panics if t is already in one.
func NoSuspend(t *Task) *Guard {
	t.EnterNoSuspend()
	return &Guard{t: t}
}

// Release ends the section, replaying any wake deferred during it. Releasing
// twice panics.
func (g *Guard) Release() {
	if g.t == nil {
		panic("no-suspend guard released twice")
	}
	t := g.t
	g.t = nil
	if t.LeaveNoSuspend() {
		log.Debugf("%v: replaying wake deferred by no-suspend section", t)
		t.RetryDeferredWake()
	}
}
