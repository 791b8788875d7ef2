// Copyright 2019 Intel Corporation. All Rights Reserved.
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

// Package spindle is a topology-aware thread dispatch and synchronization
// library. A caller declares a batch of tasks; each task names a NUMA
// node, a worker count, and an SMT placement policy. Spawn maps the
// declaration onto the host's processor topology, pins one OS thread per
// worker, publishes each worker's identity, and blocks until every worker
// returns.
package spindle

import (
	"context"

	"github.com/pkg/errors"

	"github.com/coreband/spindle/barrier"
	"github.com/coreband/spindle/identity"
	"github.com/coreband/spindle/placement"
)

// MaxTaskCount is the largest task list Spawn accepts.
const MaxTaskCount = placement.MaxTaskCount

// SMTPolicy controls how a task's threads are laid out across physical
// cores and logical processors. See placement.SMTPolicy for the precise
// per-policy layout.
type SMTPolicy = placement.SMTPolicy

const (
	// DisableSMT assigns one thread per physical core.
	DisableSMT = placement.DisableSMT
	// PreferPhysical spreads threads across physical cores before using
	// a second logical processor on any of them.
	PreferPhysical = placement.PreferPhysical
	// PreferLogical fills one physical core's logical processors before
	// moving to the next physical core.
	PreferLogical = placement.PreferLogical
)

// TaskFunc is the function a task's workers run. ctx carries the calling
// worker's identity and the session's barrier/exchange accessors; see
// LocalThreadID, BarrierLocal, SendLocal, and friends.
type TaskFunc func(ctx context.Context, arg interface{})

// TaskSpec declares one group of threads to spawn and the function they
// run. NumThreads of zero means "consume every physical core remaining on
// this NUMA node" and is only valid for the last task targeting a node.
type TaskSpec struct {
	NUMANode   int
	NumThreads int
	SMTPolicy  SMTPolicy
	Func       TaskFunc
	Arg        interface{}
}

// Named sentinel errors returned by Spawn, checkable with errors.Is.
var (
	// ErrInvalidTaskList is returned for a structurally invalid task
	// list: too many tasks, NUMA nodes out of order, an unknown NUMA
	// node, a zero-thread task that is not last for its node, a negative
	// thread count, or an unknown SMT policy.
	ErrInvalidTaskList = errors.New("invalid task list")
	// ErrTopologyUnavailable is returned when the processor topology
	// could not be discovered.
	ErrTopologyUnavailable = errors.New("processor topology unavailable")
	// ErrInsufficientResources is returned when a task requests more
	// cores or threads than remain available on its NUMA node.
	ErrInsufficientResources = errors.New("insufficient processor resources for task list")
	// ErrAllocationFailure is returned when session state (barriers,
	// exchange buffers) could not be constructed.
	ErrAllocationFailure = errors.New("failed to allocate session state")
	// ErrOSThreadFailure is returned when a worker's TaskFunc panics. Go
	// goroutine creation itself cannot fail the way pthread_create can, so
	// this sentinel covers the panic, which is recovered so the worker
	// still meets the closing internal barrier. A panic elsewhere in the
	// worker bootstrap is not recovered.
	ErrOSThreadFailure = errors.New("worker bootstrap failed")
)

// SpawnOption configures a single Spawn call.
type SpawnOption func(*options)

type options struct {
	sysfsRoot          string
	adoptCurrentThread bool
	cycleFunc          barrier.CycleFunc
}

// WithSysfsRoot overrides the sysfs mount point topology discovery reads
// from, for tests run against a fixture tree instead of the real host.
func WithSysfsRoot(root string) SpawnOption {
	return func(o *options) { o.sysfsRoot = root }
}

// WithAdoptCurrentThread makes the worker whose GlobalThreadID is 0 run on
// the goroutine that called Spawn, instead of spawning a fresh one for it,
// the same way the original library's adopt-current-thread mode reuses
// the caller's own OS thread for the first worker.
func WithAdoptCurrentThread() SpawnOption {
	return func(o *options) { o.adoptCurrentThread = true }
}

// WithCycleFunc overrides the monotonic counter used by the timed barrier
// variants, for deterministic tests.
func WithCycleFunc(f barrier.CycleFunc) SpawnOption {
	return func(o *options) { o.cycleFunc = f }
}

// Spawn maps tasks onto the host's processor topology and runs each
// task's TaskFunc on its assigned workers, blocking until all of them
// return. A zero-length tasks list is a trivial success and never
// touches the topology oracle.
func Spawn(tasks []TaskSpec, opts ...SpawnOption) error {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return spawn(tasks, o)
}

// Identity accessors, re-exported for worker code. See package identity
// for the exact semantics of each.
var (
	LocalThreadID     = identity.LocalThreadID
	LocalThreadCount  = identity.LocalThreadCount
	GlobalThreadID    = identity.GlobalThreadID
	GlobalThreadCount = identity.GlobalThreadCount
	TaskID            = identity.TaskID
	TaskCount         = identity.TaskCount
	GetScratch        = identity.GetScratch
	SetScratch        = identity.SetScratch
)
