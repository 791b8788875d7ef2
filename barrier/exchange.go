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

package barrier

import "sync/atomic"

// paddedUint64 isolates a single 64-bit shared data value on its own
// cache-line-sized region, so it is never false-shared with a barrier's
// counter or sense word.
type paddedUint64 struct {
	v uint64
	_ [cacheLineSize - 8]byte
}

// Exchange is the Data Exchange: one global 64-bit slot plus one local
// slot per task, each guarded by a barrier so a send is always visible to
// every matching receive before any of them proceeds past it.
type Exchange struct {
	global        paddedUint64
	globalBarrier *Barrier

	local         []paddedUint64
	localBarriers []*Barrier
}

// NewExchange builds the data-exchange state for a session with the given
// per-task local thread counts and total global thread count.
func NewExchange(localThreadCounts []int, globalThreadCount int) *Exchange {
	ex := &Exchange{
		globalBarrier: New(globalThreadCount),
		local:         make([]paddedUint64, len(localThreadCounts)),
		localBarriers: make([]*Barrier, len(localThreadCounts)),
	}
	for i, n := range localThreadCounts {
		ex.localBarriers[i] = New(n)
	}
	return ex
}

// SendLocal publishes data to every thread in taskID's task and blocks
// until they have all called RecvLocal.
func (ex *Exchange) SendLocal(taskID int, tok *Token, data uint64) {
	atomic.StoreUint64(&ex.local[taskID].v, data)
	ex.localBarriers[taskID].Wait(tok)
}

// RecvLocal blocks until taskID's SendLocal has published a value, then
// returns it.
func (ex *Exchange) RecvLocal(taskID int, tok *Token) uint64 {
	ex.localBarriers[taskID].Wait(tok)
	return atomic.LoadUint64(&ex.local[taskID].v)
}

// SendGlobal publishes data to every thread in the session and blocks
// until they have all called RecvGlobal.
func (ex *Exchange) SendGlobal(tok *Token, data uint64) {
	atomic.StoreUint64(&ex.global.v, data)
	ex.globalBarrier.Wait(tok)
}

// RecvGlobal blocks until SendGlobal has published a value, then returns
// it.
func (ex *Exchange) RecvGlobal(tok *Token) uint64 {
	ex.globalBarrier.Wait(tok)
	return atomic.LoadUint64(&ex.global.v)
}

// LocalBarrier returns the plain barrier shared by every thread in
// taskID's task, the same barrier SendLocal/RecvLocal ride on.
func (ex *Exchange) LocalBarrier(taskID int) *Barrier {
	return ex.localBarriers[taskID]
}

// GlobalBarrier returns the plain barrier shared by every thread in the
// session, the same barrier SendGlobal/RecvGlobal ride on.
func (ex *Exchange) GlobalBarrier() *Barrier {
	return ex.globalBarrier
}
