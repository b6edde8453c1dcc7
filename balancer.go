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
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
)

const (
	defaultMaxDeviation = 1
	defaultMaxChanges   = 200

	// Number of rejected candidates tolerated per round before the round
	// is abandoned. Empirically chosen; tunable, not load-bearing.
	defaultMaxRetries = 8
)

type balancerOptions struct {
	MaxDeviation int
	MaxChanges   int
	MaxRetries   int

	// Pools restricts balancing to the given pool IDs. Empty means all
	// pools.
	Pools map[int]struct{}
}

// balancer is a single optimization run: a private placement index and a
// private override-map copy, both seeded from the snapshot, mutated only by
// accepted moves. Selection order that isn't forced by the deviation sort is
// driven by the caller-supplied random source, so a fixed seed reproduces
// the run exactly.
type balancer struct {
	snap *clusterSnapshot
	m    *mappingState
	rng  *rand.Rand
	opts balancerOptions

	pgUp            map[string][]int
	osdPgs          map[int]map[string]struct{}
	weightedPgSlots float64

	// Sum-of-squares after each accepted change, strictly decreasing.
	varianceLog []float64
}

type pgMove struct {
	pgid string
	pair mapping
	drop bool

	// The index adjustment: the PG leaves loser and lands on gainer.
	loser  int
	gainer int

	strategy string
}

func newBalancer(snap *clusterSnapshot, m *mappingState, rng *rand.Rand, opts balancerOptions) *balancer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}

	b := &balancer{
		snap:   snap,
		m:      m,
		rng:    rng,
		opts:   opts,
		pgUp:   make(map[string][]int),
		osdPgs: make(map[int]map[string]struct{}),
	}

	for _, pgb := range snap.pgs {
		pool := snap.pool(pgb.PgID)
		if pool == nil {
			continue
		}
		if len(opts.Pools) > 0 {
			if _, ok := opts.Pools[pool.id]; !ok {
				continue
			}
		}

		up := append([]int(nil), pgb.Up...)
		b.pgUp[pgb.PgID] = up
		for _, osd := range up {
			if osd == invalidOSD {
				continue
			}
			if _, ok := b.osdPgs[osd]; !ok {
				b.osdPgs[osd] = make(map[string]struct{})
			}
			b.osdPgs[osd][pgb.PgID] = struct{}{}
		}
		b.weightedPgSlots += float64(pool.size)
	}

	return b
}

// run executes the search loop and returns the number of accepted changes.
func (b *balancer) run() int {
	changes := 0
	for changes < b.opts.MaxChanges {
		dt := b.deviations()
		if dt == nil {
			log.Debug("no usable OSD weight; nothing to balance")
			break
		}
		if dt.maxAbs <= float64(b.opts.MaxDeviation) {
			log.WithFields(logrus.Fields{
				"max_abs_deviation": dt.maxAbs,
				"max_deviation":     b.opts.MaxDeviation,
			}).Debug("deviation threshold satisfied")
			break
		}
		if !b.findOneChange(dt) {
			log.Debug("no further improving move exists")
			break
		}
		changes++
	}
	return changes
}

func (b *balancer) deviations() *deviationTable {
	counts := make(map[int]int, len(b.osdPgs))
	for osd, pgs := range b.osdPgs {
		counts[osd] = len(pgs)
	}
	return buildDeviationTable(b.snap.osds, counts, b.weightedPgSlots)
}

// findOneChange looks for a single accepted move, first against the strict
// overfull/underfull tiers, then with the relaxed tiers folded in so that
// underfull OSDs still have a donor pool when nothing is strictly overfull.
func (b *balancer) findOneChange(dt *deviationTable) bool {
	ts := dt.classify(float64(b.opts.MaxDeviation))
	log.WithFields(logrus.Fields{
		"overfull":       len(ts.overfull),
		"more_overfull":  len(ts.moreOverfull),
		"underfull":      len(ts.underfull),
		"more_underfull": len(ts.moreUnderfull),
		"variance":       dt.sumSquares,
	}).Debug("scanning deviation tiers")

	if b.tryRound(dt, ts.overfull, ts.underfull) {
		return true
	}

	donors := append(append([]*osdDeviation{}, ts.overfull...), ts.moreOverfull...)
	targets := append(append([]*osdDeviation{}, ts.underfull...), ts.moreUnderfull...)
	return b.tryRound(dt, donors, targets)
}

func (b *balancer) tryRound(dt *deviationTable, donors, targets []*osdDeviation) bool {
	if len(donors) == 0 {
		return false
	}
	donors = b.shuffleTies(donors)
	targets = b.shuffleTies(targets)

	rejected := make(map[string]struct{})
	for retries := 0; retries < b.opts.MaxRetries; retries++ {
		mv, ok := b.propose(dt, donors, targets, rejected)
		if !ok {
			return false
		}
		if b.accept(dt, mv) {
			return true
		}
		rejected[mv.pgid] = struct{}{}
	}
	return false
}

// propose generates the next candidate move, trying the three strategies in
// order against the most deviating OSDs first.
func (b *balancer) propose(dt *deviationTable, donors, targets []*osdDeviation, rejected map[string]struct{}) (pgMove, bool) {
	for _, donor := range donors {
		if mv, ok := b.proposeUndoOverfull(donor, rejected); ok {
			return mv, true
		}
		if mv, ok := b.proposeNewRemap(dt, donor, targets, rejected); ok {
			return mv, true
		}
	}
	for _, target := range targets {
		if mv, ok := b.proposeUndoUnderfull(target, rejected); ok {
			return mv, true
		}
	}
	return pgMove{}, false
}

// proposeUndoOverfull looks for an existing exception-table pair that put a
// PG onto the overfull OSD; removing it restores the PG to its natural
// placement and relieves the donor.
func (b *balancer) proposeUndoOverfull(donor *osdDeviation, rejected map[string]struct{}) (pgMove, bool) {
	for _, pm := range b.m.getMappings(withTo(donor.osd)) {
		up, ok := b.pgUp[pm.PgID]
		if !ok {
			continue
		}
		if _, rej := rejected[pm.PgID]; rej {
			continue
		}
		mp := pm.Mapping
		from, ok := b.snap.osds[mp.From]
		if !ok || !from.available() {
			continue
		}
		// A stale pair whose endpoints no longer line up with the up
		// set can't be undone safely.
		if !containsOsd(up, mp.To) || containsOsd(up, mp.From) {
			continue
		}
		return pgMove{
			pgid:     pm.PgID,
			pair:     mapping{From: mp.From, To: mp.To},
			drop:     true,
			loser:    mp.To,
			gainer:   mp.From,
			strategy: "undo-toward-overfull",
		}, true
	}
	return pgMove{}, false
}

// proposeNewRemap picks a PG on the donor and maps one of its shard
// positions to the most underfull candidate OSD. Constraint checks happen
// here, at candidate generation, so the mutation below can't violate the
// entry-size or availability invariants.
func (b *balancer) proposeNewRemap(dt *deviationTable, donor *osdDeviation, targets []*osdDeviation, rejected map[string]struct{}) (pgMove, bool) {
	for _, pgid := range b.sortedPgsOn(donor.osd) {
		if _, rej := rejected[pgid]; rej {
			continue
		}
		up := b.pgUp[pgid]
		pool := b.snap.pool(pgid)
		if pool == nil {
			continue
		}

		var target *osdDeviation
		for _, t := range targets {
			if containsOsd(up, t.osd) {
				continue
			}
			if b.m.participatesInUpmap(pgid, t.osd) {
				continue
			}
			target = t
			break
		}
		if target == nil {
			continue
		}

		if b.m.pairCount(pgid)+1 > pool.size {
			continue
		}

		// Vacate the position with the largest donor deviation, ties
		// to the lowest index.
		pos := -1
		var posDev float64
		for i, osd := range up {
			if osd == invalidOSD {
				continue
			}
			od, ok := dt.byOsd[osd]
			if !ok {
				continue
			}
			if b.m.participatesInUpmap(pgid, osd) {
				continue
			}
			if pos == -1 || od.deviation > posDev {
				pos, posDev = i, od.deviation
			}
		}
		if pos == -1 {
			continue
		}

		return pgMove{
			pgid:     pgid,
			pair:     mapping{From: up[pos], To: target.osd},
			loser:    up[pos],
			gainer:   target.osd,
			strategy: "new-remap",
		}, true
	}
	return pgMove{}, false
}

// proposeUndoUnderfull looks for an existing pair that moved a PG off the
// underfull OSD; removing it restores the PG onto the target and fills it.
func (b *balancer) proposeUndoUnderfull(target *osdDeviation, rejected map[string]struct{}) (pgMove, bool) {
	for _, pm := range b.m.getMappings(withFrom(target.osd)) {
		up, ok := b.pgUp[pm.PgID]
		if !ok {
			continue
		}
		if _, rej := rejected[pm.PgID]; rej {
			continue
		}
		mp := pm.Mapping
		if !containsOsd(up, mp.To) || containsOsd(up, mp.From) {
			continue
		}
		return pgMove{
			pgid:     pm.PgID,
			pair:     mapping{From: mp.From, To: mp.To},
			drop:     true,
			loser:    mp.To,
			gainer:   mp.From,
			strategy: "undo-toward-underfull",
		}, true
	}
	return pgMove{}, false
}

// accept simulates the move against the deviation table and commits it only
// if the sum-of-squared deviations strictly decreases. Without the strict
// guard the search can cycle between equally imbalanced configurations.
func (b *balancer) accept(dt *deviationTable, mv pgMove) bool {
	newVar := dt.varianceAfter(mv.loser, mv.gainer)
	if newVar >= dt.sumSquares {
		log.WithFields(logrus.Fields{
			"pg":        mv.pgid,
			"pair":      mv.pair.String(),
			"strategy":  mv.strategy,
			"variance":  dt.sumSquares,
			"candidate": newVar,
		}).Debug("rejected move")
		return false
	}

	if mv.drop {
		b.m.mustRemoveMapping(mv.pgid, mv.pair.From, mv.pair.To)
	} else {
		b.m.mustRemap(mv.pgid, mv.pair.From, mv.pair.To)
	}

	up := b.pgUp[mv.pgid]
	for i, osd := range up {
		if osd == mv.loser {
			up[i] = mv.gainer
			break
		}
	}
	if pgs, ok := b.osdPgs[mv.loser]; ok {
		delete(pgs, mv.pgid)
	}
	if _, ok := b.osdPgs[mv.gainer]; !ok {
		b.osdPgs[mv.gainer] = make(map[string]struct{})
	}
	b.osdPgs[mv.gainer][mv.pgid] = struct{}{}

	b.varianceLog = append(b.varianceLog, newVar)
	log.WithFields(logrus.Fields{
		"pg":       mv.pgid,
		"pair":     mv.pair.String(),
		"strategy": mv.strategy,
		"variance": newVar,
	}).Debug("accepted move")
	return true
}

// sortedPgsOn returns the PGs assigned to an OSD in a seeded-random order
// over a sorted base, so runs with the same seed traverse identically.
func (b *balancer) sortedPgsOn(osd int) []string {
	pgs := make([]string, 0, len(b.osdPgs[osd]))
	for pgid := range b.osdPgs[osd] {
		pgs = append(pgs, pgid)
	}
	sort.Strings(pgs)
	b.rng.Shuffle(len(pgs), func(i, j int) { pgs[i], pgs[j] = pgs[j], pgs[i] })
	return pgs
}

// shuffleTies randomizes the order of equal-deviation runs without
// disturbing the deviation sort.
func (b *balancer) shuffleTies(list []*osdDeviation) []*osdDeviation {
	out := append([]*osdDeviation(nil), list...)
	i := 0
	for i < len(out) {
		j := i + 1
		for j < len(out) && out[j].deviation == out[i].deviation {
			j++
		}
		if j-i > 1 {
			sub := out[i:j]
			b.rng.Shuffle(len(sub), func(x, y int) { sub[x], sub[y] = sub[y], sub[x] })
		}
		i = j
	}
	return out
}

func containsOsd(osds []int, osd int) bool {
	for _, o := range osds {
		if o == osd {
			return true
		}
	}
	return false
}
