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

package topology

import (
	"testing"
)

func TestDiscoverAtOneNodeEightPUs(t *testing.T) {
	sys, err := DiscoverAt("testdata/onenode8pu")
	if err != nil {
		t.Fatalf("DiscoverAt failed: %v", err)
	}

	if got, want := sys.NUMANodeCount(), 1; got != want {
		t.Fatalf("NUMANodeCount() = %d, want %d", got, want)
	}

	n, ok := sys.Node(0)
	if !ok {
		t.Fatalf("Node(0) not found")
	}
	if got, want := n.ID(), 0; got != want {
		t.Errorf("node id = %d, want %d", got, want)
	}

	cores := n.Cores()
	if got, want := len(cores), 4; got != want {
		t.Fatalf("len(Cores()) = %d, want %d", got, want)
	}

	wantPUs := map[int][]int{
		0: {0, 4},
		1: {1, 5},
		2: {2, 6},
		3: {3, 7},
	}

	for i, c := range cores {
		if got, want := c.ID(), i; got != want {
			t.Errorf("cores[%d].ID() = %d, want %d", i, got, want)
		}

		pus := c.PUs()
		want := wantPUs[c.ID()]
		if len(pus) != len(want) {
			t.Fatalf("core %d: len(PUs()) = %d, want %d", c.ID(), len(pus), len(want))
		}
		for k, p := range pus {
			if got := p.ID(); got != want[k] {
				t.Errorf("core %d PUs()[%d] = %d, want %d", c.ID(), k, got, want[k])
			}
		}

		pu, ok := c.PU(0)
		if !ok || pu.ID() != want[0] {
			t.Errorf("core %d PU(0) = %v, ok=%v, want %d", c.ID(), pu, ok, want[0])
		}
		if _, ok := c.PU(len(want)); ok {
			t.Errorf("core %d PU(%d) should not exist", c.ID(), len(want))
		}
	}
}

func TestDiscoverAtMissingNodeSynthesizesOne(t *testing.T) {
	sys, err := DiscoverAt("testdata/nonodes")
	if err != nil {
		t.Fatalf("DiscoverAt failed: %v", err)
	}
	if got, want := sys.NUMANodeCount(), 1; got != want {
		t.Fatalf("NUMANodeCount() = %d, want %d (synthesized)", got, want)
	}
}

func TestDiscoverAtMissingRootSynthesizesEmptyNode(t *testing.T) {
	if _, err := DiscoverAt("testdata/does-not-exist"); err != nil {
		t.Fatalf("DiscoverAt on an empty tree should synthesize an empty system, got error: %v", err)
	}
}

func TestDiscoverCachesAcrossCalls(t *testing.T) {
	defer Reset()

	first, err := Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	second, err := Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if first != second {
		t.Errorf("Discover returned a different handle on the second call, want the cached one")
	}

	Reset()
	third, err := Discover()
	if err != nil {
		t.Fatalf("Discover failed after Reset: %v", err)
	}
	if first == third {
		t.Errorf("Discover returned the stale handle after Reset, want a freshly discovered one")
	}
}
