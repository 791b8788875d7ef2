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

// Package barrier is the Barrier Engine and Data Exchange: sense-reversing
// two-phase barriers and the 64-bit data slots built on top of them.
//
// Every shared word a goroutine writes concurrently with another goroutine
// is isolated on its own 128-byte region, the same margin the original
// library's aligned_malloc-based SSpindleBarrierData/SSpindleDataShareBuffer
// give each counter, sense flag, and shared data value.
package barrier

import (
	"runtime"
	"sync/atomic"
	"time"
)

const cacheLineSize = 128

// paddedInt32 isolates a single int32 on its own cache-line-sized region.
type paddedInt32 struct {
	v int32
	_ [cacheLineSize - 4]byte
}

// paddedUint32 isolates a single uint32 on its own cache-line-sized region.
type paddedUint32 struct {
	v uint32
	_ [cacheLineSize - 4]byte
}

// Barrier is a reusable sense-reversing two-phase barrier for a fixed
// number of parties.
type Barrier struct {
	parties int32
	arrived paddedInt32
	sense   paddedUint32
}

// New returns a Barrier for the given number of parties. parties must be
// at least 1.
func New(parties int) *Barrier {
	return &Barrier{parties: int32(parties)}
}

// Token is one goroutine's private local-sense state across repeated
// calls to a Barrier's Wait. A Token must never be shared between
// goroutines, and one Token is reused for every Wait call the owning
// goroutine makes on a given Barrier.
type Token struct {
	sense uint32
}

// NewToken returns a fresh Token for a single goroutine's use.
func NewToken() *Token {
	return &Token{}
}

// Wait blocks until every party for b's configured count has called Wait,
// then releases all of them together. The last party to arrive never
// blocks: it flips the shared sense and returns immediately.
func (b *Barrier) Wait(tok *Token) {
	tok.sense ^= 1
	local := tok.sense

	if atomic.AddInt32(&b.arrived.v, 1) == b.parties {
		atomic.StoreInt32(&b.arrived.v, 0)
		atomic.StoreUint32(&b.sense.v, local)
		return
	}

	for atomic.LoadUint32(&b.sense.v) != local {
		runtime.Gosched()
	}
}

// CycleFunc returns a monotonically increasing count, used to time a
// barrier wait. Go has no portable single-instruction cycle counter, so
// the default implementation is wall-clock nanoseconds; callers needing
// deterministic timing in tests can substitute their own.
type CycleFunc func() uint64

func defaultCycleFunc() uint64 {
	return uint64(time.Now().UnixNano())
}

// WaitTimed behaves like Wait, but additionally returns how long the
// caller spent waiting, measured with cycleFunc (or the wall-clock
// default if cycleFunc is nil). The party that releases the barrier
// measures close to zero, since it never spins.
func (b *Barrier) WaitTimed(tok *Token, cycleFunc CycleFunc) uint64 {
	if cycleFunc == nil {
		cycleFunc = defaultCycleFunc
	}
	start := cycleFunc()
	b.Wait(tok)
	return cycleFunc() - start
}
