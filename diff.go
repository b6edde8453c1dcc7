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
	"strconv"
	"strings"
)

// directive is one administrative command to issue against the cluster:
// either the removal of a PG's exception-table entry or the (re)creation of
// one with the given pairs.
type directive struct {
	remove bool
	pgID   string
	pairs  []mapping
}

func (d directive) args() []string {
	if d.remove {
		return []string{"ceph", "osd", "rm-pg-upmap-items", d.pgID}
	}

	args := []string{"ceph", "osd", "pg-upmap-items", d.pgID}
	for _, p := range d.pairs {
		args = append(args, strconv.Itoa(p.From), strconv.Itoa(p.To))
	}
	return args
}

func (d directive) String() string {
	return strings.Join(d.args(), " ")
}

// diffOverrides computes the ordered directive sequence that transforms the
// original exception table into the final one. Entries are visited in PG ID
// order; a PG whose content changed gets its removal before its addition.
// The result is a pure function of its inputs.
func diffOverrides(original, final []*pgUpmapItem) []directive {
	origPairs := livePairs(original)
	finalPairs := livePairs(final)

	pgids := make([]string, 0, len(origPairs)+len(finalPairs))
	seen := make(map[string]struct{})
	for _, pui := range original {
		if _, ok := seen[pui.PgID]; !ok {
			seen[pui.PgID] = struct{}{}
			pgids = append(pgids, pui.PgID)
		}
	}
	for _, pui := range final {
		if _, ok := seen[pui.PgID]; !ok {
			seen[pui.PgID] = struct{}{}
			pgids = append(pgids, pui.PgID)
		}
	}
	sort.Strings(pgids)

	var directives []directive
	for _, pgid := range pgids {
		orig, hadOrig := origPairs[pgid]
		fin, hasFinal := finalPairs[pgid]

		switch {
		case hadOrig && !hasFinal:
			directives = append(directives, directive{remove: true, pgID: pgid})
		case hadOrig && hasFinal:
			if pairsEqual(orig, fin) {
				continue
			}
			directives = append(directives,
				directive{remove: true, pgID: pgid},
				directive{pgID: pgid, pairs: fin})
		case hasFinal:
			directives = append(directives, directive{pgID: pgid, pairs: fin})
		}
	}
	return directives
}

// livePairs indexes entries by PG ID, skipping empty entries: an entry with
// no pairs is equivalent to no entry at all.
func livePairs(items []*pgUpmapItem) map[string][]mapping {
	pairs := make(map[string][]mapping, len(items))
	for _, pui := range items {
		if len(pui.Mappings) == 0 {
			continue
		}
		pairs[pui.PgID] = pui.Mappings
	}
	return pairs
}

func pairsEqual(a, b []mapping) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].From != b[i].From || a[i].To != b[i].To {
			return false
		}
	}
	return true
}
