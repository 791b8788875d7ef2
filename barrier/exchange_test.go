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

import (
	"sync"
	"testing"
)

func TestExchangeLocalRoundTrip(t *testing.T) {
	ex := NewExchange([]int{3}, 3)

	var wg sync.WaitGroup
	results := make([]uint64, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ex.SendLocal(0, NewToken(), 0xcafe)
	}()

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ex.RecvLocal(0, NewToken())
		}(i)
	}
	wg.Wait()

	for i, got := range results[:2] {
		if got != 0xcafe {
			t.Errorf("receiver %d got %#x, want 0xcafe", i, got)
		}
	}
}

func TestExchangeGlobalRoundTrip(t *testing.T) {
	ex := NewExchange([]int{2, 2}, 4)

	var wg sync.WaitGroup
	results := make([]uint64, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ex.SendGlobal(NewToken(), 42)
	}()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ex.RecvGlobal(NewToken())
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		if got != 42 {
			t.Errorf("receiver %d got %d, want 42", i, got)
		}
	}
}

func TestExchangeLocalSlotsAreIndependentPerTask(t *testing.T) {
	ex := NewExchange([]int{1, 1}, 2)

	ex.SendLocal(0, NewToken(), 1)
	ex.SendLocal(1, NewToken(), 2)

	if got := ex.RecvLocal(0, NewToken()); got != 1 {
		t.Errorf("task 0 slot = %d, want 1", got)
	}
	if got := ex.RecvLocal(1, NewToken()); got != 2 {
		t.Errorf("task 1 slot = %d, want 2", got)
	}
}
