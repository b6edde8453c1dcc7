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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildDeviationTable(t *testing.T) {
	osds := map[int]*osdInfo{
		0: {id: 0, weight: 1, in: true, up: true},
		1: {id: 1, weight: 2, in: true, up: true},
		2: {id: 2, weight: 1, in: false, up: true}, // out, ignored
		3: {id: 3, weight: 0, in: true, up: true},  // weightless, ignored
	}
	counts := map[int]int{0: 6, 1: 6, 2: 99, 3: 5}

	dt := buildDeviationTable(osds, counts, 12)
	require.NotNil(t, dt)
	require.Equal(t, 4.0, dt.pgsPerWeight)

	require.Len(t, dt.osds, 2)
	require.Equal(t, 0, dt.osds[0].osd)
	require.Equal(t, 2.0, dt.osds[0].deviation)
	require.Equal(t, 1, dt.osds[1].osd)
	require.Equal(t, -2.0, dt.osds[1].deviation)

	require.Equal(t, 8.0, dt.sumSquares)
	require.Equal(t, 2.0, dt.maxAbs)

	require.Nil(t, dt.byOsd[2])
	require.Nil(t, dt.byOsd[3])
}

func TestBuildDeviationTableNoWeight(t *testing.T) {
	require.Nil(t, buildDeviationTable(map[int]*osdInfo{}, nil, 10))
	require.Nil(t, buildDeviationTable(map[int]*osdInfo{
		0: {id: 0, weight: 0, in: true, up: true},
	}, map[int]int{0: 5}, 10))
}

func sixOsdTable(t *testing.T) *deviationTable {
	t.Helper()

	osds := map[int]*osdInfo{}
	for i := 0; i < 6; i++ {
		osds[i] = &osdInfo{id: i, weight: 1, in: true, up: true}
	}
	// Deviations 3, 1, 0, -1, -1, -2 against a target of 5.
	counts := map[int]int{0: 8, 1: 6, 2: 5, 3: 4, 4: 4, 5: 3}

	dt := buildDeviationTable(osds, counts, 30)
	require.NotNil(t, dt)
	return dt
}

func TestClassifyTiers(t *testing.T) {
	dt := sixOsdTable(t)
	ts := dt.classify(1)

	osdIDs := func(list []*osdDeviation) []int {
		ids := []int{}
		for _, od := range list {
			ids = append(ids, od.osd)
		}
		return ids
	}

	require.Equal(t, []int{0}, osdIDs(ts.overfull))
	require.Equal(t, []int{1}, osdIDs(ts.moreOverfull))
	require.Equal(t, []int{5}, osdIDs(ts.underfull))
	require.Equal(t, []int{4, 3}, osdIDs(ts.moreUnderfull))
}

func TestVarianceAfter(t *testing.T) {
	dt := sixOsdTable(t)
	require.Equal(t, 16.0, dt.sumSquares)

	// Moving a PG from OSD 0 (dev 3) to OSD 5 (dev -2) takes both a step
	// toward their targets.
	require.Equal(t, 8.0, dt.varianceAfter(0, 5))

	// The reverse move makes things worse and must read as such.
	require.Equal(t, 28.0, dt.varianceAfter(5, 0))
}
