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

// Command spindle-demo spawns a single task across one NUMA node and has
// every worker report its identity, exercising the Public Entry Surface
// end to end against the host's real topology.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/coreband/spindle"
	slog "github.com/coreband/spindle/internal/slog"
)

var log = slog.New("spindle-demo")

func parseSMTPolicy(name string) (spindle.SMTPolicy, error) {
	switch strings.ToLower(name) {
	case "disable":
		return spindle.DisableSMT, nil
	case "physical":
		return spindle.PreferPhysical, nil
	case "logical":
		return spindle.PreferLogical, nil
	default:
		return 0, fmt.Errorf("unknown SMT policy %q (want disable, physical, or logical)", name)
	}
}

func main() {
	numaNode := flag.Int("numa-node", 0, "NUMA node to place the demo task on")
	numThreads := flag.Int("threads", 0, "number of threads to spawn (0 = all remaining cores on the node)")
	smtPolicyName := flag.String("smt-policy", "physical", "SMT placement policy: disable, physical, or logical")
	flag.Parse()

	smtPolicy, err := parseSMTPolicy(*smtPolicyName)
	if err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}

	err = spindle.Spawn([]spindle.TaskSpec{
		{
			NUMANode:   *numaNode,
			NumThreads: *numThreads,
			SMTPolicy:  smtPolicy,
			Func: func(ctx context.Context, arg interface{}) {
				fmt.Printf("worker %d/%d (task thread %d/%d) reporting for duty\n",
					spindle.GlobalThreadID(ctx), spindle.GlobalThreadCount(ctx),
					spindle.LocalThreadID(ctx), spindle.LocalThreadCount(ctx))
			},
		},
	})
	if err != nil {
		log.Error("spawn failed: %v", err)
		os.Exit(1)
	}
}
