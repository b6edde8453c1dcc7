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
	"sort"
)

// osdDeviation records how far an OSD's PG count sits from its
// weight-proportional share.
type osdDeviation struct {
	osd       int
	weight    float64
	pgs       int
	target    float64
	deviation float64
}

// deviationTable holds the per-OSD deviation records for all available OSDs,
// plus the aggregates the search loop keys its decisions on. It is a pure
// function of the current placement index and is recomputed after every
// accepted change.
type deviationTable struct {
	osds  []*osdDeviation // deviation descending, OSD ID ascending on ties
	byOsd map[int]*osdDeviation

	pgsPerWeight float64
	sumSquares   float64
	maxAbs       float64
}

// buildDeviationTable computes deviations for every available OSD given the
// current per-OSD PG counts. weightedPgSlots is the sum over in-scope PGs of
// their pool's replication/shard count. Returns nil when there is no usable
// weight, in which case the caller must terminate with zero changes rather
// than divide by zero.
func buildDeviationTable(osds map[int]*osdInfo, pgCounts map[int]int, weightedPgSlots float64) *deviationTable {
	totalWeight := 0.0
	for _, o := range osds {
		if o.available() {
			totalWeight += o.weight
		}
	}
	if totalWeight <= 0 {
		return nil
	}

	dt := &deviationTable{
		byOsd:        make(map[int]*osdDeviation),
		pgsPerWeight: weightedPgSlots / totalWeight,
	}

	for _, o := range osds {
		if !o.available() {
			continue
		}
		od := &osdDeviation{
			osd:    o.id,
			weight: o.weight,
			pgs:    pgCounts[o.id],
			target: o.weight * dt.pgsPerWeight,
		}
		od.deviation = float64(od.pgs) - od.target
		dt.osds = append(dt.osds, od)
		dt.byOsd[o.id] = od

		dt.sumSquares += od.deviation * od.deviation
		if abs := od.deviation; abs < 0 {
			if -abs > dt.maxAbs {
				dt.maxAbs = -abs
			}
		} else if abs > dt.maxAbs {
			dt.maxAbs = abs
		}
	}

	sort.Slice(dt.osds, func(i, j int) bool {
		if dt.osds[i].deviation != dt.osds[j].deviation {
			return dt.osds[i].deviation > dt.osds[j].deviation
		}
		return dt.osds[i].osd < dt.osds[j].osd
	})

	return dt
}

// tierSet classifies OSDs relative to the deviation threshold. The
// moreOverfull/moreUnderfull tiers are fallback pools used when the strict
// tiers can't make progress.
type tierSet struct {
	overfull     []*osdDeviation // deviation descending
	moreOverfull []*osdDeviation

	underfull     []*osdDeviation // most underfull first
	moreUnderfull []*osdDeviation
}

func (dt *deviationTable) classify(maxDeviation float64) tierSet {
	var ts tierSet

	for _, od := range dt.osds {
		switch {
		case od.deviation > maxDeviation:
			ts.overfull = append(ts.overfull, od)
		case od.deviation > 0:
			ts.moreOverfull = append(ts.moreOverfull, od)
		}
	}

	// Walk in reverse so the underfull lists lead with the most underfull
	// OSD.
	for i := len(dt.osds) - 1; i >= 0; i-- {
		od := dt.osds[i]
		switch {
		case od.deviation < -maxDeviation:
			ts.underfull = append(ts.underfull, od)
		case od.deviation < 0:
			ts.moreUnderfull = append(ts.moreUnderfull, od)
		}
	}

	return ts
}

// varianceAfter recomputes the sum-of-squared deviations as it would be if
// one PG moved off loser and onto gainer. Both must be present in the table.
func (dt *deviationTable) varianceAfter(loser, gainer int) float64 {
	sum := 0.0
	for _, od := range dt.osds {
		dev := od.deviation
		switch od.osd {
		case loser:
			dev--
		case gainer:
			dev++
		}
		sum += dev * dev
	}
	return sum
}
