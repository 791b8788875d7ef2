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

// Package identity is the Identity Store: the per-worker record of local
// and global thread/task identity that a worker function reads to find
// its place in the session.
//
// The original library keeps this record in thread-local storage,
// reachable through niladic accessor functions. Go has no equivalent of
// pthread TLS, so the record is instead carried as a value on the
// context.Context handed to each worker, and read back through the
// package-level accessors in this file. Every accessor panics if called
// on a context that was never stamped by this package, the same way the
// original's accessors are undefined outside a spawned thread.
package identity

import (
	"context"
	"sync/atomic"
)

type contextKey struct{}

// Record is one worker's identity within a session: its position in its
// task and in the whole spawn, plus a private 64-bit scratch word.
type Record struct {
	localThreadID    int
	localThreadCount int
	globalThreadID   int
	globalThreadCount int
	taskID           int
	taskCount        int

	scratch uint64
}

// NewRecord constructs the identity record for one worker. Called once by
// the Session Orchestrator per worker, before the worker function runs.
func NewRecord(localThreadID, localThreadCount, globalThreadID, globalThreadCount, taskID, taskCount int) *Record {
	return &Record{
		localThreadID:     localThreadID,
		localThreadCount:  localThreadCount,
		globalThreadID:    globalThreadID,
		globalThreadCount: globalThreadCount,
		taskID:            taskID,
		taskCount:         taskCount,
	}
}

// WithRecord returns a context carrying r, for handing to a worker
// function.
func WithRecord(ctx context.Context, r *Record) context.Context {
	return context.WithValue(ctx, contextKey{}, r)
}

func recordFrom(ctx context.Context) *Record {
	r, ok := ctx.Value(contextKey{}).(*Record)
	if !ok {
		panic("identity: context was not produced by a spindle worker bootstrap")
	}
	return r
}

// LocalThreadID returns the calling worker's index within its task,
// in [0, LocalThreadCount).
func LocalThreadID(ctx context.Context) int { return recordFrom(ctx).localThreadID }

// LocalThreadCount returns the number of threads in the calling worker's
// task.
func LocalThreadCount(ctx context.Context) int { return recordFrom(ctx).localThreadCount }

// GlobalThreadID returns the calling worker's index within the whole
// session, in [0, GlobalThreadCount).
func GlobalThreadID(ctx context.Context) int { return recordFrom(ctx).globalThreadID }

// GlobalThreadCount returns the total number of threads spawned in the
// session.
func GlobalThreadCount(ctx context.Context) int { return recordFrom(ctx).globalThreadCount }

// TaskID returns the index of the task the calling worker belongs to.
func TaskID(ctx context.Context) int { return recordFrom(ctx).taskID }

// TaskCount returns the number of tasks in the session.
func TaskCount(ctx context.Context) int { return recordFrom(ctx).taskCount }

// GetScratch returns the calling worker's private 64-bit scratch value,
// zero until first set.
func GetScratch(ctx context.Context) uint64 {
	return atomic.LoadUint64(&recordFrom(ctx).scratch)
}

// SetScratch stores the calling worker's private 64-bit scratch value.
func SetScratch(ctx context.Context, v uint64) {
	atomic.StoreUint64(&recordFrom(ctx).scratch, v)
}
