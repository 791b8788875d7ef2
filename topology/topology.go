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

// Package topology is the Topology Adapter: a thin wrapper over the host's
// processor topology, enumerating NUMA nodes, their physical cores, and
// each core's logical processors (PUs) in the platform's stable order, and
// pinning the calling OS thread to one of them.
//
// Discovery walks sysfs the way the teacher's pkg/sysfs does, rather than
// binding to hwloc: see DESIGN.md for why the pack's one hwloc binding
// (gohwloc) was not adopted.
package topology

import (
	"io/ioutil"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/kubernetes/pkg/kubelet/cm/cpuset"

	"github.com/coreband/spindle/internal/slog"
)

const (
	// DefaultSysfsRoot is the default sysfs mount point.
	DefaultSysfsRoot = "/sys"

	sysfsCPUPath  = "devices/system/cpu"
	sysfsNodePath = "devices/system/node"
)

var log = slog.New("topology")

// PU is one logical processor (a schedulable hardware thread).
type PU interface {
	// ID is the OS logical processor id, as used by the affinity API.
	ID() int
}

// Core is one physical core, possibly exposing several PUs via SMT.
type Core interface {
	ID() int
	// PUs returns this core's logical processors in stable oracle order.
	PUs() []PU
	// PU returns the k'th logical processor of this core, if any.
	PU(k int) (PU, bool)
}

// NUMANode is one NUMA node: a region of processors sharing a memory
// controller.
type NUMANode interface {
	ID() int
	// Cores returns this node's physical cores in stable oracle order.
	Cores() []Core
}

// System is the discovered processor topology of a host.
type System interface {
	// NUMANodeCount returns the number of NUMA nodes in the system.
	NUMANodeCount() int
	// Node returns the NUMA node with the given index, if any.
	Node(i int) (NUMANode, bool)
}

type pu struct{ id int }

func (p *pu) ID() int { return p.id }

type core struct {
	id  int
	pus []PU
}

func (c *core) ID() int      { return c.id }
func (c *core) PUs() []PU    { return c.pus }
func (c *core) PU(k int) (PU, bool) {
	if k < 0 || k >= len(c.pus) {
		return nil, false
	}
	return c.pus[k], true
}

type node struct {
	id    int
	cores []Core
}

func (n *node) ID() int      { return n.id }
func (n *node) Cores() []Core { return n.cores }

type system struct {
	nodes []NUMANode
}

func (s *system) NUMANodeCount() int { return len(s.nodes) }

func (s *system) Node(i int) (NUMANode, bool) {
	if i < 0 || i >= len(s.nodes) {
		return nil, false
	}
	return s.nodes[i], true
}

var (
	cacheOnce sync.Once
	cached    System
	cacheErr  error
)

// Discover returns the process-wide processor topology handle, discovered
// from the standard sysfs mount point once and reused for every subsequent
// call in the process's lifetime. Use Reset to force rediscovery.
func Discover() (System, error) {
	cacheOnce.Do(func() {
		cached, cacheErr = DiscoverAt(DefaultSysfsRoot)
	})
	return cached, cacheErr
}

// Reset releases the process-wide topology handle cached by Discover,
// forcing the next call to rediscover it. Intended for tests; callers must
// not call Reset while a session built on the cached handle is still
// running.
func Reset() {
	cacheOnce = sync.Once{}
	cached = nil
	cacheErr = nil
}

// DiscoverAt discovers a processor topology rooted at the given sysfs
// mount point. Intended for fixture-driven tests, the same way
// pkg/sysfs.DiscoverSystemAt takes an explicit path.
func DiscoverAt(sysfsRoot string) (System, error) {
	cpus, err := discoverCPUs(sysfsRoot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to discover CPUs")
	}

	nodeCPUs, err := discoverNodeCPUs(sysfsRoot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to discover NUMA nodes")
	}

	if len(nodeCPUs) == 0 {
		// No NUMA nodes reported: synthesize one node spanning every
		// discovered core, so downstream logic has a uniform model.
		log.Warn("sysfs reported zero NUMA nodes, synthesizing a single node")
		all := cpuset.NewCPUSet()
		for id := range cpus {
			all = all.Union(cpuset.NewCPUSet(id))
		}
		nodeCPUs = map[int]cpuset.CPUSet{0: all}
	}

	nodeIDs := make([]int, 0, len(nodeCPUs))
	for id := range nodeCPUs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Ints(nodeIDs)

	nodes := make([]NUMANode, 0, len(nodeIDs))
	for _, nid := range nodeIDs {
		cores, err := coresForNode(cpus, nodeCPUs[nid])
		if err != nil {
			return nil, errors.Wrapf(err, "node %d", nid)
		}
		nodes = append(nodes, &node{id: nid, cores: cores})
	}

	return &system{nodes: nodes}, nil
}

// cpuInfo is the sysfs-derived detail for one logical processor.
type cpuInfo struct {
	id       int
	coreID   int
	siblings cpuset.CPUSet
}

func discoverCPUs(sysfsRoot string) (map[int]*cpuInfo, error) {
	entries, err := filepath.Glob(filepath.Join(sysfsRoot, sysfsCPUPath, "cpu[0-9]*"))
	if err != nil {
		return nil, err
	}

	cpus := make(map[int]*cpuInfo, len(entries))
	for _, entry := range entries {
		id, err := enumeratedID(entry, "cpu")
		if err != nil {
			continue
		}

		coreID, err := readInt(filepath.Join(entry, "topology", "core_id"))
		if err != nil {
			return nil, errors.Wrapf(err, "cpu%d: missing topology/core_id", id)
		}

		siblingsRaw, err := readString(filepath.Join(entry, "topology", "thread_siblings_list"))
		if err != nil {
			return nil, errors.Wrapf(err, "cpu%d: missing topology/thread_siblings_list", id)
		}
		siblings, err := cpuset.Parse(siblingsRaw)
		if err != nil {
			return nil, errors.Wrapf(err, "cpu%d: malformed thread_siblings_list %q", id, siblingsRaw)
		}

		cpus[id] = &cpuInfo{id: id, coreID: coreID, siblings: siblings}
	}

	return cpus, nil
}

func discoverNodeCPUs(sysfsRoot string) (map[int]cpuset.CPUSet, error) {
	entries, err := filepath.Glob(filepath.Join(sysfsRoot, sysfsNodePath, "node[0-9]*"))
	if err != nil {
		return nil, err
	}

	nodes := make(map[int]cpuset.CPUSet, len(entries))
	for _, entry := range entries {
		id, err := enumeratedID(entry, "node")
		if err != nil {
			continue
		}

		raw, err := readString(filepath.Join(entry, "cpulist"))
		if err != nil {
			return nil, errors.Wrapf(err, "node%d: missing cpulist", id)
		}
		cset, err := cpuset.Parse(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "node%d: malformed cpulist %q", id, raw)
		}

		nodes[id] = cset
	}

	return nodes, nil
}

// coresForNode groups a node's CPUs into physical cores, each holding its
// PUs in ascending id order. Cores may differ in SMT width here;
// placement.Plan separately rejects a task whose assigned cores do not all
// have the same width (spec.md Open Question (b)).
func coresForNode(cpus map[int]*cpuInfo, nodeSet cpuset.CPUSet) ([]Core, error) {
	byCoreID := map[int][]int{}
	var coreIDs []int

	for _, id := range nodeSet.ToSlice() {
		info, ok := cpus[id]
		if !ok {
			return nil, errors.Errorf("no CPU info discovered for cpu%d", id)
		}
		if _, seen := byCoreID[info.coreID]; !seen {
			coreIDs = append(coreIDs, info.coreID)
		}
		byCoreID[info.coreID] = append(byCoreID[info.coreID], id)
	}

	sort.Ints(coreIDs)

	cores := make([]Core, 0, len(coreIDs))
	for _, cid := range coreIDs {
		puIDs := byCoreID[cid]
		sort.Ints(puIDs)

		pus := make([]PU, 0, len(puIDs))
		for _, pid := range puIDs {
			pus = append(pus, &pu{id: pid})
		}
		cores = append(cores, &core{id: cid, pus: pus})
	}

	return cores, nil
}

func enumeratedID(path, prefix string) (int, error) {
	base := filepath.Base(path)
	return strconv.Atoi(strings.TrimPrefix(base, prefix))
}

func readString(path string) (string, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readInt(path string) (int, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}
