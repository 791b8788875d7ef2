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
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const fixtureRoot = "topology/testdata/onenode8pu"

func TestSpawnZeroTasksIsTrivialSuccess(t *testing.T) {
	err := Spawn(nil, WithSysfsRoot("topology/testdata/does-not-exist"))
	require.NoError(t, err, "a zero-task spawn must never touch the topology oracle")
}

func TestSpawnTooManyTasksFails(t *testing.T) {
	tasks := make([]TaskSpec, MaxTaskCount+1)
	for i := range tasks {
		tasks[i] = TaskSpec{NUMANode: 0, NumThreads: 1, SMTPolicy: DisableSMT, Func: func(context.Context, interface{}) {}}
	}

	err := Spawn(tasks, WithSysfsRoot(fixtureRoot))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidTaskList))
}

func TestSpawnGlobalIDsArePermutationOfRange(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}

	tasks := []TaskSpec{
		{
			NUMANode: 0, NumThreads: 4, SMTPolicy: DisableSMT,
			Func: func(ctx context.Context, arg interface{}) {
				id := GlobalThreadID(ctx)
				mu.Lock()
				seen[id] = true
				mu.Unlock()

				if got, want := LocalThreadCount(ctx), 4; got != want {
					t.Errorf("LocalThreadCount = %d, want %d", got, want)
				}
				if id := LocalThreadID(ctx); id < 0 || id >= LocalThreadCount(ctx) {
					t.Errorf("LocalThreadID = %d out of range [0, %d)", id, LocalThreadCount(ctx))
				}
			},
		},
	}

	err := Spawn(tasks, WithSysfsRoot(fixtureRoot))
	require.NoError(t, err)

	require.Len(t, seen, 4)
	for i := 0; i < 4; i++ {
		require.True(t, seen[i], "global thread id %d was never observed", i)
	}
}

func TestSpawnTwoTasksPublishDistinctIdentities(t *testing.T) {
	var mu sync.Mutex
	var taskIDs []int

	tasks := []TaskSpec{
		{NUMANode: 0, NumThreads: 2, SMTPolicy: DisableSMT, Func: func(ctx context.Context, arg interface{}) {
			mu.Lock()
			taskIDs = append(taskIDs, TaskID(ctx))
			mu.Unlock()
			if got, want := TaskCount(ctx), 2; got != want {
				t.Errorf("TaskCount = %d, want %d", got, want)
			}
		}},
		{NUMANode: 0, NumThreads: 0, SMTPolicy: PreferLogical, Func: func(ctx context.Context, arg interface{}) {
			mu.Lock()
			taskIDs = append(taskIDs, TaskID(ctx))
			mu.Unlock()
		}},
	}

	err := Spawn(tasks, WithSysfsRoot(fixtureRoot))
	require.NoError(t, err)

	counts := map[int]int{}
	for _, id := range taskIDs {
		counts[id]++
	}
	require.Equal(t, 2, counts[0])
	require.Equal(t, 4, counts[1])
}

func TestSpawnBarrierAndExchangeRoundTrip(t *testing.T) {
	var mu sync.Mutex
	results := make([]uint64, 0, 4)

	tasks := []TaskSpec{
		{NUMANode: 0, NumThreads: 4, SMTPolicy: PreferPhysical, Func: func(ctx context.Context, arg interface{}) {
			if LocalThreadID(ctx) == 0 {
				SendLocal(ctx, 0xfeed)
			} else {
				v := RecvLocal(ctx)
				mu.Lock()
				results = append(results, v)
				mu.Unlock()
			}
			BarrierGlobal(ctx)
			SetScratch(ctx, uint64(LocalThreadID(ctx)))
			if got := GetScratch(ctx); got != uint64(LocalThreadID(ctx)) {
				t.Errorf("GetScratch = %d, want %d", got, LocalThreadID(ctx))
			}
		}},
	}

	err := Spawn(tasks, WithSysfsRoot(fixtureRoot))
	require.NoError(t, err)

	require.Len(t, results, 3)
	for _, v := range results {
		require.Equal(t, uint64(0xfeed), v)
	}
}

func TestSpawnInvalidNUMANodeFails(t *testing.T) {
	tasks := []TaskSpec{
		{NUMANode: 9, NumThreads: 1, SMTPolicy: DisableSMT, Func: func(context.Context, interface{}) {}},
	}
	err := Spawn(tasks, WithSysfsRoot(fixtureRoot))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidTaskList))
}

func TestSpawnInvalidSMTPolicyFails(t *testing.T) {
	tasks := []TaskSpec{
		{NUMANode: 0, NumThreads: 2, SMTPolicy: SMTPolicy(99), Func: func(context.Context, interface{}) {}},
	}
	err := Spawn(tasks, WithSysfsRoot(fixtureRoot))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidTaskList))
}

func TestSpawnNegativeThreadCountFails(t *testing.T) {
	tasks := []TaskSpec{
		{NUMANode: 0, NumThreads: -1, SMTPolicy: DisableSMT, Func: func(context.Context, interface{}) {}},
	}
	err := Spawn(tasks, WithSysfsRoot(fixtureRoot))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidTaskList))
}

func TestSpawnInsufficientResourcesFails(t *testing.T) {
	tasks := []TaskSpec{
		{NUMANode: 0, NumThreads: 99, SMTPolicy: PreferPhysical, Func: func(context.Context, interface{}) {}},
	}
	err := Spawn(tasks, WithSysfsRoot(fixtureRoot))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInsufficientResources))
}
