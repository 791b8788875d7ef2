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

//go:build linux
// +build linux

package topology

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PinCurrentThread binds the calling OS thread to the given logical
// processor. The caller must have already called runtime.LockOSThread,
// since the binding is scoped to the thread, not the goroutine.
//
// Mirrors the original's spindleAffinitizeCurrentOSThread, which uses
// hwloc_set_thread_cpubind with HWLOC_CPUBIND_STRICT: a failed bind here
// is always reported, never silently widened to a larger mask.
func PinCurrentThread(p PU) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(p.ID())

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrapf(err, "failed to pin current thread to pu %d", p.ID())
	}
	return nil
}
