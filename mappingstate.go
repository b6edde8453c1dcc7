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
	"strings"
	"sync"

	"github.com/fatih/color"
)

// mappingState is a mutable working copy of the upmap exception table. Each
// optimizer run owns a private instance seeded from a snapshot; there is no
// process-global state, so independent optimizations can run side by side.
type mappingState struct {
	pgUpmapItems []*pgUpmapItem // This is always sorted for predictability and repeatability.

	l sync.Mutex
}

func newMappingState(snap *clusterSnapshot) *mappingState {
	items := make([]*pgUpmapItem, 0, len(snap.upmapItems))
	for _, pui := range snap.upmapItems {
		items = append(items, &pgUpmapItem{
			PgID:     pui.PgID,
			Mappings: append([]mapping(nil), pui.Mappings...),
		})
	}
	return &mappingState{pgUpmapItems: items}
}

func (m *mappingState) tryRemap(pgid string, from, to int) error {
	m.l.Lock()
	defer m.l.Unlock()

	pui := m.findOrMakeUpmapItem(pgid)
	for _, mp := range pui.Mappings {
		if mp.From == from && mp.To == to {
			// Duplicate - ignore
			return nil
		}
	}

	pui.dirty = true

	for i, mp := range pui.Mappings {
		if mp.From == to && mp.To == from {
			// This mapping is the exact opposite of what we want -
			// simply remove it.
			pui.Mappings[i].dirty = true
			pui.removedMappings = append(pui.removedMappings, pui.Mappings[i])
			pui.Mappings = append(pui.Mappings[0:i], pui.Mappings[i+1:]...)
			return nil
		}
		if mp.To == from {
			// Modify this mapping to point to the new destination.
			pui.Mappings[i].dirty = true
			pui.removedMappings = append(pui.removedMappings, pui.Mappings[i])
			pui.Mappings[i].To = to
			return nil
		}
		if mp.From == to || mp.From == from || mp.To == to {
			return fmt.Errorf("pg %s: conflicting mapping %d->%d found when trying to map %d->%d", pgid, mp.From, mp.To, from, to)
		}
	}

	// No existing mapping was found; add a new one.
	pui.Mappings = append(pui.Mappings, mapping{From: from, To: to, dirty: true})
	return nil
}

func (m *mappingState) mustRemap(pgid string, from, to int) {
	err := m.tryRemap(pgid, from, to)
	if err != nil {
		panic(err)
	}
}

// removeMapping drops the given pair from a PG's exception table entry.
// Removing the last pair leaves an empty, dirty entry; the diff generator
// treats that as absence and emits a removal directive.
func (m *mappingState) removeMapping(pgid string, from, to int) error {
	m.l.Lock()
	defer m.l.Unlock()

	pui := m.findUpmapItem(pgid)
	if pui == nil {
		return fmt.Errorf("pg %s: no upmap item to remove %d->%d from", pgid, from, to)
	}

	for i, mp := range pui.Mappings {
		if mp.From != from || mp.To != to {
			continue
		}
		pui.dirty = true
		pui.Mappings[i].dirty = true
		pui.removedMappings = append(pui.removedMappings, pui.Mappings[i])
		pui.Mappings = append(pui.Mappings[0:i], pui.Mappings[i+1:]...)
		return nil
	}
	return fmt.Errorf("pg %s: no mapping %d->%d to remove", pgid, from, to)
}

func (m *mappingState) mustRemoveMapping(pgid string, from, to int) {
	err := m.removeMapping(pgid, from, to)
	if err != nil {
		panic(err)
	}
}

// findUpmapItem returns the entry for a PG, or nil if there is none.
func (m *mappingState) findUpmapItem(pgid string) *pgUpmapItem {
	puis := m.pgUpmapItems
	i := sort.Search(len(puis), func(i int) bool { return puis[i].PgID >= pgid })
	if i < len(puis) && puis[i].PgID == pgid {
		return puis[i]
	}
	return nil
}

func (m *mappingState) findOrMakeUpmapItem(pgid string) *pgUpmapItem {
	puis := m.pgUpmapItems
	i := sort.Search(len(puis), func(i int) bool { return m.pgUpmapItems[i].PgID >= pgid })
	if i < len(puis) && puis[i].PgID == pgid {
		return puis[i]
	}

	// Sorted insertion.
	pui := &pgUpmapItem{
		PgID: pgid,
	}
	puis = append(puis, &pgUpmapItem{})
	copy(puis[i+1:], puis[i:])
	puis[i] = pui
	m.pgUpmapItems = puis

	return pui
}

// pairCount returns the number of live pairs in a PG's entry.
func (m *mappingState) pairCount(pgid string) int {
	pui := m.findUpmapItem(pgid)
	if pui == nil {
		return 0
	}
	return len(pui.Mappings)
}

// participatesInUpmap reports whether the OSD appears as either endpoint of
// the PG's existing entry.
func (m *mappingState) participatesInUpmap(pgid string, osd int) bool {
	pui := m.findUpmapItem(pgid)
	if pui == nil {
		return false
	}
	for _, mp := range pui.Mappings {
		if mp.From == osd || mp.To == osd {
			return true
		}
	}
	return false
}

type mappingFilter func(*pgUpmapItem, mapping) bool

func withPgid(pgid string) mappingFilter {
	return func(pui *pgUpmapItem, _ mapping) bool {
		return pui.PgID == pgid
	}
}

func withFrom(from int) mappingFilter {
	return func(_ *pgUpmapItem, m mapping) bool {
		return m.From == from
	}
}

func withTo(to int) mappingFilter {
	return func(_ *pgUpmapItem, m mapping) bool {
		return m.To == to
	}
}

func mfAnd(filters ...mappingFilter) mappingFilter {
	return func(pui *pgUpmapItem, m mapping) bool {
		for _, f := range filters {
			if !f(pui, m) {
				return false
			}
		}
		return true
	}
}

func mfOr(filters ...mappingFilter) mappingFilter {
	return func(pui *pgUpmapItem, m mapping) bool {
		for _, f := range filters {
			if f(pui, m) {
				return true
			}
		}
		return false
	}
}

func (m *mappingState) iterateMappings(f func(pgid string, mp mapping), filter mappingFilter) {
	m.l.Lock()
	defer m.l.Unlock()

	for _, pui := range m.pgUpmapItems {
		for _, mp := range pui.Mappings {
			if filter(pui, mp) {
				f(pui.PgID, mp)
			}
		}
	}
}

type pgMapping struct {
	PgID    string  `json:"pgid"`
	Mapping mapping `json:"mapping"`
}

func (m *mappingState) getMappings(filter mappingFilter) []pgMapping {
	mappings := []pgMapping{}

	m.iterateMappings(func(pgid string, mp mapping) {
		mappings = append(mappings, pgMapping{
			PgID:    pgid,
			Mapping: mp,
		})
	},
		filter,
	)

	return mappings
}

func (m *mappingState) dirtyUpmapItems() []*pgUpmapItem {
	m.l.Lock()
	defer m.l.Unlock()

	items := []*pgUpmapItem{}

	for _, pui := range m.pgUpmapItems {
		if pui.dirty {
			items = append(items, pui)
		}
	}
	return items
}

func (m *mappingState) String() string {
	strs := []string{}
	for _, pui := range m.dirtyUpmapItems() {
		strs = append(strs, pui.String())
	}
	if len(strs) > 0 {
		strs = append(strs,
			fmt.Sprintf("Legend: %s - %s - %s",
				color.New(color.FgGreen).Sprint("+new mapping"),
				color.New(color.FgRed).Sprint("-removed mapping"),
				"kept mapping",
			),
		)
	}
	return strings.Join(strs, "\n")
}
