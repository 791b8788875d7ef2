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

package spindle

import (
	"context"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/coreband/spindle/barrier"
	"github.com/coreband/spindle/identity"
	"github.com/coreband/spindle/internal/slog"
	"github.com/coreband/spindle/placement"
	"github.com/coreband/spindle/topology"
)

var log = slog.New("session")

// workerContext is the session-scoped state a worker needs beyond its
// identity record: the exchange buffers, the internal bootstrap barrier,
// and this worker's private tokens for each barrier it touches.
type workerContext struct {
	exchange        *barrier.Exchange
	internalBarrier *barrier.Barrier
	cycleFunc       barrier.CycleFunc

	globalToken   *barrier.Token
	localToken    *barrier.Token
	internalToken *barrier.Token
}

type workerContextKey struct{}

func withWorkerContext(ctx context.Context, wc *workerContext) context.Context {
	return context.WithValue(ctx, workerContextKey{}, wc)
}

func workerFrom(ctx context.Context) *workerContext {
	wc, ok := ctx.Value(workerContextKey{}).(*workerContext)
	if !ok {
		panic("spindle: context was not produced by a spindle worker bootstrap")
	}
	return wc
}

// BarrierLocal blocks the calling worker until every worker in its task
// has called BarrierLocal.
func BarrierLocal(ctx context.Context) {
	wc := workerFrom(ctx)
	wc.exchange.LocalBarrier(identity.TaskID(ctx)).Wait(wc.localToken)
}

// BarrierGlobal blocks the calling worker until every worker in the
// session has called BarrierGlobal.
func BarrierGlobal(ctx context.Context) {
	wc := workerFrom(ctx)
	wc.exchange.GlobalBarrier().Wait(wc.globalToken)
}

// SendLocal publishes data to every worker in the calling worker's task
// and blocks until they have all called RecvLocal.
func SendLocal(ctx context.Context, data uint64) {
	wc := workerFrom(ctx)
	wc.exchange.SendLocal(identity.TaskID(ctx), wc.localToken, data)
}

// RecvLocal blocks until a worker in the calling worker's task has called
// SendLocal, then returns the published value.
func RecvLocal(ctx context.Context) uint64 {
	wc := workerFrom(ctx)
	return wc.exchange.RecvLocal(identity.TaskID(ctx), wc.localToken)
}

// SendGlobal publishes data to every worker in the session and blocks
// until they have all called RecvGlobal.
func SendGlobal(ctx context.Context, data uint64) {
	wc := workerFrom(ctx)
	wc.exchange.SendGlobal(wc.globalToken, data)
}

// RecvGlobal blocks until a worker in the session has called SendGlobal,
// then returns the published value.
func RecvGlobal(ctx context.Context) uint64 {
	wc := workerFrom(ctx)
	return wc.exchange.RecvGlobal(wc.globalToken)
}

// BarrierLocalTimed behaves like BarrierLocal, additionally returning how
// long the calling worker spent waiting, measured by the cycle counter
// configured via WithCycleFunc (wall-clock nanoseconds by default).
func BarrierLocalTimed(ctx context.Context) uint64 {
	wc := workerFrom(ctx)
	return wc.exchange.LocalBarrier(identity.TaskID(ctx)).WaitTimed(wc.localToken, wc.cycleFunc)
}

// BarrierGlobalTimed behaves like BarrierGlobal, additionally returning
// how long the calling worker spent waiting.
func BarrierGlobalTimed(ctx context.Context) uint64 {
	wc := workerFrom(ctx)
	return wc.exchange.GlobalBarrier().WaitTimed(wc.globalToken, wc.cycleFunc)
}

func discoverTopology(o *options) (topology.System, error) {
	if o.sysfsRoot != "" {
		return topology.DiscoverAt(o.sysfsRoot)
	}
	return topology.Discover()
}

func toPlacementSpecs(tasks []TaskSpec) []placement.TaskSpec {
	specs := make([]placement.TaskSpec, len(tasks))
	for i, t := range tasks {
		specs[i] = placement.TaskSpec{
			NUMANode:   t.NUMANode,
			NumThreads: t.NumThreads,
			SMTPolicy:  t.SMTPolicy,
		}
	}
	return specs
}

func spawn(tasks []TaskSpec, o *options) error {
	if len(tasks) == 0 {
		return nil
	}
	if len(tasks) > MaxTaskCount {
		return errors.Wrapf(ErrInvalidTaskList, "got %d tasks, max is %d", len(tasks), MaxTaskCount)
	}

	sys, err := discoverTopology(o)
	if err != nil {
		return errors.Wrap(ErrTopologyUnavailable, err.Error())
	}

	assignments, err := placement.Plan(sys, toPlacementSpecs(tasks))
	if err != nil {
		if errors.Is(err, placement.ErrTooManyTasks) ||
			errors.Is(err, placement.ErrInvalidNUMANode) ||
			errors.Is(err, placement.ErrNUMANodeOutOfOrder) ||
			errors.Is(err, placement.ErrSentinelNotLast) ||
			errors.Is(err, placement.ErrHeterogeneousSMTWidth) ||
			errors.Is(err, placement.ErrInvalidSMTPolicy) ||
			errors.Is(err, placement.ErrNegativeThreadCount) {
			return errors.Wrap(ErrInvalidTaskList, err.Error())
		}
		return errors.Wrap(ErrInsufficientResources, err.Error())
	}

	localCounts := make([]int, len(tasks))
	for _, a := range assignments {
		localCounts[a.TaskID] = a.LocalThreadCount
	}

	exchange := barrier.NewExchange(localCounts, len(assignments))
	internal := barrier.New(len(assignments))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var result *multierror.Error

	runWorker := func(a placement.Assignment) {
		defer wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := topology.PinCurrentThread(a.PU); err != nil {
			log.Warn("worker %d: failed to pin to pu %d: %v", a.GlobalThreadID, a.PU.ID(), err)
		}

		record := identity.NewRecord(a.LocalThreadID, a.LocalThreadCount, a.GlobalThreadID, a.GlobalThreadCount, a.TaskID, a.TaskCount)
		wc := &workerContext{
			exchange:        exchange,
			internalBarrier: internal,
			cycleFunc:       o.cycleFunc,
			globalToken:     barrier.NewToken(),
			localToken:      barrier.NewToken(),
			internalToken:   barrier.NewToken(),
		}

		ctx := identity.WithRecord(context.Background(), record)
		ctx = withWorkerContext(ctx, wc)

		wc.internalBarrier.Wait(wc.internalToken)

		func() {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					result = multierror.Append(result, errors.Wrapf(ErrOSThreadFailure, "worker %d panicked: %v", a.GlobalThreadID, r))
					mu.Unlock()
				}
			}()
			task := tasks[a.TaskID]
			task.Func(ctx, task.Arg)
		}()

		wc.internalBarrier.Wait(wc.internalToken)
	}

	wg.Add(len(assignments))
	var adopted *placement.Assignment
	for _, a := range assignments {
		if o.adoptCurrentThread && a.GlobalThreadID == 0 {
			a := a
			adopted = &a
			continue
		}
		go runWorker(a)
	}
	if adopted != nil {
		// This worker runs on the goroutine that called Spawn instead
		// of a freshly spawned one.
		runWorker(*adopted)
	}
	wg.Wait()

	return result.ErrorOrNil()
}
