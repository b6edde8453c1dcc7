// Copyright 2021 DigitalOcean
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"sort"
)

type osdInfo struct {
	id     int
	weight float64
	in     bool
	up     bool
}

// available reports whether this OSD may participate in weighted
// calculations and act as a remap target. Zero or negative effective weight
// excludes an OSD even if it is in and up.
func (o *osdInfo) available() bool {
	return o.in && o.up && o.weight > 0
}

type poolInfo struct {
	id      int
	name    string
	size    int
	erasure bool
}

// clusterSnapshot is a point-in-time capture of the cluster state needed for
// balancing. It is constructed once per invocation and never mutated; the
// optimizers work on their own copies of the override map and placement
// index.
type clusterSnapshot struct {
	osds    map[int]*osdInfo
	pools   map[int]*poolInfo
	pgs     []*pgBriefItem // sorted by PG ID
	pgPools map[string]int

	// The upmap exception table as it existed at capture time, sorted by
	// PG ID. This is the "original" side of the final command diff.
	upmapItems []*pgUpmapItem
}

// getClusterSnapshot queries the cluster and assembles the typed tables.
// Construction never fails on degenerate input (no weight, no PGs); the
// optimizers detect those cases and compute zero changes.
func getClusterSnapshot() *clusterSnapshot {
	dump := osdDump()
	tree := osdTree()

	snap := &clusterSnapshot{
		osds:    make(map[int]*osdInfo),
		pools:   make(map[int]*poolInfo),
		pgPools: make(map[string]int),
	}

	for _, o := range dump.Osds {
		info := &osdInfo{
			id: o.Osd,
			in: o.In == 1,
			up: o.Up == 1,
		}
		if n, ok := tree[o.Osd]; ok {
			info.weight = n.CrushWeight * n.Reweight
		}
		snap.osds[o.Osd] = info
	}

	for _, p := range osdPoolLsDetail() {
		snap.pools[p.PoolID] = &poolInfo{
			id:      p.PoolID,
			name:    p.PoolName,
			size:    p.Size,
			erasure: p.Type == poolTypeErasure,
		}
	}

	for _, pgb := range pgDumpPgsBrief() {
		pool, err := poolIDFromPgID(pgb.PgID)
		if err != nil {
			fmt.Printf("WARNING: %v; this PG will be excluded from operations.\n", err)
			continue
		}
		if _, ok := snap.pools[pool]; !ok {
			fmt.Printf("WARNING: PG %s references pool %d, which is not in the pool table; this PG will be excluded from operations.\n", pgb.PgID, pool)
			continue
		}
		snap.pgPools[pgb.PgID] = pool
		snap.pgs = append(snap.pgs, pgb)
	}
	sort.Slice(snap.pgs, func(i, j int) bool { return snap.pgs[i].PgID < snap.pgs[j].PgID })

	items := dump.PgUpmapItems
	sort.Slice(items, func(i, j int) bool { return items[i].PgID < items[j].PgID })
	snap.upmapItems = items

	return snap
}

// pool returns the pool info for a PG, or nil if the PG was excluded during
// snapshot construction.
func (snap *clusterSnapshot) pool(pgid string) *poolInfo {
	pool, ok := snap.pgPools[pgid]
	if !ok {
		return nil
	}
	return snap.pools[pool]
}
