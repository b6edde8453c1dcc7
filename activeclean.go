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

	"github.com/sirupsen/logrus"
)

// calcPgMappingsToCancelBackfill points every remapped PG back to its acting
// set (i.e. makes the 'up' set the same as the 'acting' set), reverting
// whatever decision scheduled the backfill. This converges the cluster to
// active+clean quickly instead of waiting for data movement.
func calcPgMappingsToCancelBackfill(snap *clusterSnapshot, m *mappingState, pools map[int]struct{}) {
	for _, pgb := range snap.pgs {
		pool := snap.pool(pgb.PgID)
		if pool == nil {
			continue
		}
		if len(pools) > 0 {
			if _, ok := pools[pool.id]; !ok {
				continue
			}
		}

		for _, p := range remapPairs(snap, pgb, pool) {
			// Remap attempts can fail in complex cases where an
			// upmap item already exists for one of the OSDs, or an
			// OSD appears in both the up and acting sets. This is
			// somewhat common on EC pools after a CRUSH change,
			// and in many of those cases the exception table can't
			// actually cancel the backfill.
			if err := m.tryRemap(pgb.PgID, p.From, p.To); err != nil {
				fmt.Printf("WARNING: %v\n", err)
			}
		}
	}
}

// remapPairs computes the (from,to) pairs that make a PG's up set equal its
// acting set. Returns nil for PGs that aren't remapped or whose differences
// can't be expressed as upmap pairs.
func remapPairs(snap *clusterSnapshot, pgb *pgBriefItem, pool *poolInfo) []mapping {
	raw := []mapping{}
	for i := range pgb.Up {
		u, a := pgb.Up[i], pgb.Acting[i]
		if u == a || u == invalidOSD || a == invalidOSD {
			continue
		}
		if _, ok := snap.osds[u]; !ok {
			continue
		}
		dst, ok := snap.osds[a]
		if !ok || dst.weight <= 0 {
			continue
		}
		raw = append(raw, mapping{From: u, To: a})
	}
	if len(raw) == 0 {
		return nil
	}

	if pool.erasure {
		pairs := resolveShardCycles(raw)
		log.WithFields(logrus.Fields{
			"pg":    pgb.PgID,
			"pairs": len(pairs),
		}).Debug("computed EC remap pairs")
		return pairs
	}
	return dedupReplicatedPairs(pgb, raw)
}

// dedupReplicatedPairs reduces positional pairs by set difference. Replica
// identity within a PG is interchangeable, so only OSDs in up-but-not-acting
// need to move, and only onto OSDs in acting-but-not-up.
func dedupReplicatedPairs(pgb *pgBriefItem, raw []mapping) []mapping {
	froms := []int{}
	tos := []int{}
	for _, p := range raw {
		if !containsOsd(pgb.Acting, p.From) {
			froms = append(froms, p.From)
		}
		if !containsOsd(pgb.Up, p.To) {
			tos = append(tos, p.To)
		}
	}

	n := len(froms)
	if len(tos) < n {
		n = len(tos)
	}
	pairs := make([]mapping, 0, n)
	for i := 0; i < n; i++ {
		pairs = append(pairs, mapping{From: froms[i], To: tos[i]})
	}
	return pairs
}

// resolveShardCycles fixes up positional pairs for erasure-coded pools,
// where shard identity matters. Two-pair swaps cancel out entirely, and the
// remaining pairs are ordered so that a pair whose destination feeds another
// pair's source comes first, keeping the chain valid. Both passes iterate to
// a fixed point over an explicit pair list rather than mutating while
// iterating.
func resolveShardCycles(pairs []mapping) []mapping {
	// Cancel two-pair swaps: (a->b, b->a) together express no movement.
	for {
		cancelled := false
		for i := 0; i < len(pairs) && !cancelled; i++ {
			for j := i + 1; j < len(pairs); j++ {
				if pairs[i].From == pairs[j].To && pairs[i].To == pairs[j].From {
					next := make([]mapping, 0, len(pairs)-2)
					for k, p := range pairs {
						if k == i || k == j {
							continue
						}
						next = append(next, p)
					}
					pairs = next
					cancelled = true
					break
				}
			}
		}
		if !cancelled {
			break
		}
	}

	// Chain ordering: if pairs[j].From consumes pairs[i].To, pairs[i]
	// must come first. A pure cycle can't be linearized, so passes are
	// bounded by the pair count.
	for pass := 0; pass < len(pairs); pass++ {
		moved := false
		for i := 0; i < len(pairs); i++ {
			for j := 0; j < i; j++ {
				if pairs[j].From != pairs[i].To {
					continue
				}
				p := pairs[i]
				copy(pairs[j+1:i+1], pairs[j:i])
				pairs[j] = p
				moved = true
				break
			}
		}
		if !moved {
			break
		}
	}

	return pairs
}
