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
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func stubCluster(osdDumpOut, osdTreeOut, poolDetailOut, pgDumpOut string) {
	runOsdDump = func() (string, error) { return osdDumpOut, nil }
	runOsdTree = func() (string, error) { return osdTreeOut, nil }
	runOsdPoolLsDetail = func() (string, error) { return poolDetailOut, nil }
	runPgDumpPgsBrief = func() (string, error) { return pgDumpOut, nil }
}

func osdDumpJSON(t *testing.T, nOsds int, items []*pgUpmapItem) string {
	t.Helper()

	osds := make([]map[string]int, 0, nOsds)
	for i := 0; i < nOsds; i++ {
		osds = append(osds, map[string]int{"osd": i, "in": 1, "up": 1})
	}
	if items == nil {
		items = []*pgUpmapItem{}
	}
	out, err := json.Marshal(map[string]interface{}{
		"osds":           osds,
		"pg_upmap_items": items,
	})
	require.NoError(t, err)
	return string(out)
}

// treeJSON builds a flat CRUSH tree: one root bucket plus one osd node per
// entry, with the given crush weight and a reweight of 1.
func treeJSON(t *testing.T, weights map[int]float64) string {
	t.Helper()

	children := make([]int, 0, len(weights))
	nodes := []map[string]interface{}{}
	for id, w := range weights {
		children = append(children, id)
		nodes = append(nodes, map[string]interface{}{
			"id":           id,
			"type":         "osd",
			"name":         fmt.Sprintf("osd.%d", id),
			"crush_weight": w,
			"reweight":     1.0,
		})
	}
	nodes = append(nodes, map[string]interface{}{
		"id":       -1,
		"type":     "root",
		"name":     "default",
		"children": children,
	})

	out, err := json.Marshal(map[string]interface{}{"nodes": nodes})
	require.NoError(t, err)
	return string(out)
}

func poolsJSON(t *testing.T, pools []*poolDetailItem) string {
	t.Helper()

	out, err := json.Marshal(pools)
	require.NoError(t, err)
	return string(out)
}

func pgsJSON(t *testing.T, pgs []*pgBriefItem) string {
	t.Helper()

	out, err := json.Marshal(pgs)
	require.NoError(t, err)
	return string(out)
}

// pgClean builds a PG whose up and acting sets agree.
func pgClean(pgid string, up ...int) *pgBriefItem {
	return &pgBriefItem{
		PgID:   pgid,
		State:  "active+clean",
		Up:     up,
		Acting: append([]int(nil), up...),
	}
}

func pgRemapped(pgid string, up, acting []int) *pgBriefItem {
	return &pgBriefItem{
		PgID:   pgid,
		State:  "active+remapped+backfill_wait",
		Up:     up,
		Acting: acting,
	}
}

// buildSnapshot stubs the four cluster queries with synthesized output and
// captures a snapshot from them. Any OSD referenced by weights exists, is in,
// and is up.
func buildSnapshot(t *testing.T, weights map[int]float64, items []*pgUpmapItem, pools []*poolDetailItem, pgs []*pgBriefItem) *clusterSnapshot {
	t.Helper()

	stubCluster(
		osdDumpJSON(t, len(weights), items),
		treeJSON(t, weights),
		poolsJSON(t, pools),
		pgsJSON(t, pgs),
	)
	return getClusterSnapshot()
}

func uniformWeights(nOsds int) map[int]float64 {
	weights := make(map[int]float64, nOsds)
	for i := 0; i < nOsds; i++ {
		weights[i] = 1.0
	}
	return weights
}

func replicatedPool(id int, name string, size int) *poolDetailItem {
	return &poolDetailItem{PoolID: id, PoolName: name, Type: poolTypeReplicated, Size: size}
}

func erasurePool(id int, name string, size int) *poolDetailItem {
	return &poolDetailItem{PoolID: id, PoolName: name, Type: poolTypeErasure, Size: size}
}

func upmapEntry(pgid string, pairs ...mapping) *pgUpmapItem {
	return &pgUpmapItem{PgID: pgid, Mappings: pairs}
}

func directiveStrings(directives []directive) []string {
	strs := make([]string, 0, len(directives))
	for _, d := range directives {
		strs = append(strs, d.String())
	}
	return strs
}
