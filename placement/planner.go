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

// Package placement is the Placement Planner: it turns a list of task
// declarations (NUMA node, thread count, SMT policy) into a flat list of
// per-thread core/PU assignments, walking each NUMA node's physical cores
// once in ascending order and never revisiting a core already consumed by
// an earlier task.
package placement

import (
	"github.com/pkg/errors"

	"github.com/coreband/spindle/topology"
)

// MaxTaskCount is the largest task list this planner accepts.
const MaxTaskCount = 16

// SMTPolicy controls how a task's threads are laid out across the
// physical cores and logical processors assigned to it.
type SMTPolicy int

const (
	// DisableSMT assigns one thread per physical core, always to that
	// core's first logical processor. A task under this policy can never
	// be assigned more threads than it has physical cores.
	DisableSMT SMTPolicy = iota
	// PreferPhysical fills every physical core's first logical processor
	// before wrapping around to second logical processors, so neighboring
	// thread indices prefer distinct physical cores.
	PreferPhysical
	// PreferLogical fills one physical core's logical processors fully
	// before moving to the next physical core, so neighboring thread
	// indices prefer sharing a physical core.
	PreferLogical
)

// TaskSpec declares one group of threads to place.
type TaskSpec struct {
	// NUMANode is the NUMA node this task's threads are placed on. Tasks
	// must be given in non-decreasing NUMANode order.
	NUMANode int
	// NumThreads is the number of threads to place for this task. Zero
	// means "consume every physical core remaining on this NUMA node",
	// and is only valid for the last task targeting a given node.
	NumThreads int
	// SMTPolicy selects this task's core/PU layout.
	SMTPolicy SMTPolicy
}

// Assignment is one thread's placement: which PU to pin it to, and its
// position within its task and within the whole plan.
type Assignment struct {
	PU   topology.PU
	Core topology.Core

	TaskID    int
	TaskCount int

	LocalThreadID    int
	LocalThreadCount int

	GlobalThreadID    int
	GlobalThreadCount int
}

// Named sentinel errors, replacing the original library's __LINE__-coded
// failure returns with values callers can compare against directly.
var (
	ErrTooManyTasks          = errors.New("task count exceeds the maximum")
	ErrInvalidNUMANode       = errors.New("task specifies a NUMA node that does not exist")
	ErrNUMANodeOutOfOrder    = errors.New("task list must visit NUMA nodes in non-decreasing order")
	ErrInsufficientCores     = errors.New("not enough physical cores remain on the NUMA node for this task")
	ErrInsufficientThreads   = errors.New("not enough logical processors remain on the NUMA node for this task")
	ErrSentinelNotLast       = errors.New("a task requesting all remaining cores must be the last task assigned to its NUMA node")
	ErrHeterogeneousSMTWidth = errors.New("physical cores spanned by a task do not all expose the same number of logical processors")
	ErrInvalidSMTPolicy      = errors.New("task specifies an unknown SMT policy")
	ErrNegativeThreadCount   = errors.New("task specifies a negative thread count")
)

// taskPlacement is the intermediate result of walking one task's cores,
// before the per-thread Assignment list is expanded.
type taskPlacement struct {
	spec       TaskSpec
	cores      []topology.Core
	numThreads int
}

// Plan assigns each task in tasks to physical cores and logical processors
// of sys, in the order given, and returns the flattened per-thread
// assignment list. A zero-length tasks list trivially succeeds with a nil
// result and never touches sys.
func Plan(sys topology.System, tasks []TaskSpec) ([]Assignment, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	if len(tasks) > MaxTaskCount {
		return nil, errors.Wrapf(ErrTooManyTasks, "got %d tasks, max is %d", len(tasks), MaxTaskCount)
	}

	if err := validateSentinelPlacement(tasks); err != nil {
		return nil, err
	}
	if err := validateTaskFields(tasks); err != nil {
		return nil, err
	}

	placements := make([]taskPlacement, len(tasks))

	var st *nodeWalkState
	currentNode := -1
	totalThreads := 0

	for i, t := range tasks {
		if t.NUMANode < currentNode {
			return nil, errors.Wrapf(ErrNUMANodeOutOfOrder, "task %d targets node %d after node %d", i, t.NUMANode, currentNode)
		}

		if st == nil || t.NUMANode != currentNode {
			n, ok := sys.Node(t.NUMANode)
			if !ok {
				return nil, errors.Wrapf(ErrInvalidNUMANode, "task %d: node %d", i, t.NUMANode)
			}
			st = newNodeWalkState(n)
			currentNode = t.NUMANode
		}

		p, err := st.consume(t)
		if err != nil {
			return nil, errors.Wrapf(err, "task %d", i)
		}
		if err := checkUniformSMTWidth(p.cores); err != nil {
			return nil, errors.Wrapf(err, "task %d", i)
		}

		placements[i] = p
		totalThreads += p.numThreads
	}

	return expand(placements, len(tasks), totalThreads)
}

// validateSentinelPlacement checks that any zero-thread ("consume the
// rest of the node") task is the last task targeting its NUMA node. The
// original implementation gets this for free because it always walks
// a node to exhaustion once a zero-thread task is seen; this planner
// checks it explicitly so a misordered task list fails with a clear
// error instead of silently starving the tasks that follow it.
func validateSentinelPlacement(tasks []TaskSpec) error {
	lastForNode := map[int]int{}
	for i, t := range tasks {
		lastForNode[t.NUMANode] = i
	}
	for i, t := range tasks {
		if t.NumThreads == 0 && i != lastForNode[t.NUMANode] {
			return errors.Wrapf(ErrSentinelNotLast, "task %d", i)
		}
	}
	return nil
}

// validateTaskFields rejects a negative thread count or an unrecognized
// SMTPolicy before any task enters the core-walk, so an invalid task is
// always reported as ErrInvalidSMTPolicy/ErrNegativeThreadCount rather than
// surfacing later as a misleading resource-exhaustion error.
func validateTaskFields(tasks []TaskSpec) error {
	for i, t := range tasks {
		if t.NumThreads < 0 {
			return errors.Wrapf(ErrNegativeThreadCount, "task %d: %d", i, t.NumThreads)
		}
		switch t.SMTPolicy {
		case DisableSMT, PreferPhysical, PreferLogical:
		default:
			return errors.Wrapf(ErrInvalidSMTPolicy, "task %d: %d", i, t.SMTPolicy)
		}
	}
	return nil
}

// nodeWalkState tracks how far a single NUMA node's physical cores have
// been consumed by tasks seen so far, mirroring the original's
// threadsLeftOnCurrentNumaNode/coresLeftOnCurrentNumaNode/
// physicalCoreObject walk.
type nodeWalkState struct {
	cores       []topology.Core
	next        int
	coresLeft   int
	threadsLeft int
}

func newNodeWalkState(n topology.NUMANode) *nodeWalkState {
	cores := n.Cores()
	threads := 0
	for _, c := range cores {
		threads += len(c.PUs())
	}
	return &nodeWalkState{cores: cores, coresLeft: len(cores), threadsLeft: threads}
}

func (st *nodeWalkState) consume(t TaskSpec) (taskPlacement, error) {
	start := st.next

	if t.NumThreads == 0 {
		if st.coresLeft < 1 {
			return taskPlacement{}, errors.WithStack(ErrInsufficientCores)
		}
		numThreads := 0
		for st.next < len(st.cores) {
			c := st.cores[st.next]
			if t.SMTPolicy == DisableSMT {
				numThreads++
			} else {
				numThreads += len(c.PUs())
			}
			st.next++
		}
		st.coresLeft = 0
		st.threadsLeft = 0
		return taskPlacement{spec: t, cores: st.cores[start:st.next], numThreads: numThreads}, nil
	}

	if st.threadsLeft < t.NumThreads || (t.SMTPolicy == DisableSMT && st.coresLeft < t.NumThreads) {
		return taskPlacement{}, errors.WithStack(ErrInsufficientThreads)
	}

	assigned := 0
	for assigned < t.NumThreads {
		if st.next >= len(st.cores) {
			return taskPlacement{}, errors.WithStack(ErrInsufficientCores)
		}
		c := st.cores[st.next]
		consumed := len(c.PUs())
		if t.SMTPolicy == DisableSMT {
			assigned++
		} else {
			assigned += consumed
		}
		st.coresLeft--
		st.threadsLeft -= consumed
		st.next++
	}

	return taskPlacement{spec: t, cores: st.cores[start:st.next], numThreads: t.NumThreads}, nil
}

// checkUniformSMTWidth rejects a task whose assigned cores do not all
// expose the same number of logical processors: the affinity formulas
// below assume a uniform width across the range, per SPEC_FULL.md's
// resolution of the heterogeneous-SMT-width open question.
func checkUniformSMTWidth(cores []topology.Core) error {
	if len(cores) == 0 {
		return nil
	}
	want := len(cores[0].PUs())
	for _, c := range cores[1:] {
		if len(c.PUs()) != want {
			return errors.Wrapf(ErrHeterogeneousSMTWidth, "core %d has %d PUs, core %d has %d", cores[0].ID(), want, c.ID(), len(c.PUs()))
		}
	}
	return nil
}

// affinityObject computes the physical core and logical processor for
// the threadIndex'th thread (0-based, local to its task) of a task
// assigned to cores, under policy. This is the Go rendering of
// spindleHelperGetThreadAffinityObject.
func affinityObject(cores []topology.Core, threadIndex int, policy SMTPolicy) (topology.Core, topology.PU, error) {
	n := len(cores)
	if n == 0 {
		return nil, nil, errors.New("no cores assigned")
	}

	switch policy {
	case DisableSMT:
		if threadIndex >= n {
			return nil, nil, errors.Errorf("thread index %d out of range for %d cores", threadIndex, n)
		}
		c := cores[threadIndex]
		p, ok := c.PU(0)
		if !ok {
			return nil, nil, errors.Errorf("core %d has no logical processors", c.ID())
		}
		return c, p, nil

	case PreferPhysical:
		physIdx := threadIndex % n
		logIdx := threadIndex / n
		c := cores[physIdx]
		p, ok := c.PU(logIdx)
		if !ok {
			return nil, nil, errors.Errorf("core %d has no logical processor %d", c.ID(), logIdx)
		}
		return c, p, nil

	case PreferLogical:
		width := len(cores[0].PUs())
		if width == 0 {
			return nil, nil, errors.Errorf("core %d has no logical processors", cores[0].ID())
		}
		physIdx := threadIndex / width
		logIdx := threadIndex % width
		if physIdx >= n {
			return nil, nil, errors.Errorf("thread index %d out of range for %d cores", threadIndex, n)
		}
		c := cores[physIdx]
		p, ok := c.PU(logIdx)
		if !ok {
			return nil, nil, errors.Errorf("core %d has no logical processor %d", c.ID(), logIdx)
		}
		return c, p, nil

	default:
		return nil, nil, errors.Wrapf(ErrInvalidSMTPolicy, "%d", policy)
	}
}

// expand flattens per-task placements into the final per-thread
// assignment list, assigning global thread ids in task order.
func expand(placements []taskPlacement, taskCount, totalThreads int) ([]Assignment, error) {
	assignments := make([]Assignment, 0, totalThreads)
	global := 0

	for taskID, p := range placements {
		for local := 0; local < p.numThreads; local++ {
			core, pu, err := affinityObject(p.cores, local, p.spec.SMTPolicy)
			if err != nil {
				return nil, errors.Wrapf(err, "task %d thread %d", taskID, local)
			}
			assignments = append(assignments, Assignment{
				PU:                pu,
				Core:              core,
				TaskID:            taskID,
				TaskCount:         taskCount,
				LocalThreadID:     local,
				LocalThreadCount:  p.numThreads,
				GlobalThreadID:    global,
				GlobalThreadCount: totalThreads,
			})
			global++
		}
	}

	return assignments, nil
}
