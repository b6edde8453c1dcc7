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
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

const (
	invalidOSD = math.MaxInt32
)

var (
	runOsdDump         = func() (string, error) { return run("ceph", "osd", "dump", "-f", "json") }
	runOsdTree         = func() (string, error) { return run("ceph", "osd", "tree", "-f", "json") }
	runPgDumpPgsBrief  = func() (string, error) { return run("ceph", "pg", "dump", "pgs_brief", "-f", "json") }
	runOsdPoolLsDetail = func() (string, error) { return run("ceph", "osd", "pool", "ls", "detail", "-f", "json") }
)

type pgUpmapItem struct {
	PgID     string    `json:"pgid"`
	Mappings []mapping `json:"mappings"`

	removedMappings []mapping
	dirty           bool
}

type mapping struct {
	From int `json:"from"`
	To   int `json:"to"`

	dirty bool
}

type osdDumpOut struct {
	Osds []struct {
		In  int `json:"in"`
		Up  int `json:"up"`
		Osd int `json:"osd"`
	} `json:"osds"`
	PgUpmapItems []*pgUpmapItem `json:"pg_upmap_items"`
}

type osdTreeOutNode struct {
	ID          int     `json:"id"`
	Type        string  `json:"type"`
	Name        string  `json:"name"`
	CrushWeight float64 `json:"crush_weight"`
	Reweight    float64 `json:"reweight"`
	Children    []int   `json:"children"`
}

type osdTreeOut struct {
	Nodes []*osdTreeOutNode `json:"nodes"`
}

type pgBriefItem struct {
	PgID   string `json:"pgid"`
	State  string `json:"state"`
	Up     []int  `json:"up"`
	Acting []int  `json:"acting"`
}

type pgBriefNautilus struct {
	PgStats []*pgBriefItem `json:"pg_stats"`
}

const (
	poolTypeReplicated = 1
	poolTypeErasure    = 3
)

type poolDetailItem struct {
	PoolID   int    `json:"pool_id"`
	PoolName string `json:"pool_name"`
	Type     int    `json:"type"`
	Size     int    `json:"size"`
}

func (pui *pgUpmapItem) String() string {
	fmtMappingList := func(list []mapping, a color.Attribute) string {
		c := color.New(a).SprintFunc()
		strList := make([]string, len(list))
		for i, item := range list {
			s := item.String()
			if item.dirty {
				s = c(s)
			}
			strList[i] = s
		}

		return strings.Join(strList, ",")
	}

	str := fmt.Sprintf("pg %s: [", pui.PgID)
	if len(pui.Mappings) > 0 {
		str += fmtMappingList(pui.Mappings, color.FgGreen)
	}
	if len(pui.removedMappings) > 0 {
		if len(pui.Mappings) > 0 {
			str += ","
		}
		str += fmtMappingList(pui.removedMappings, color.FgRed)
	}
	str += "]"
	return str
}

func (r mapping) String() string {
	return fmt.Sprintf("%d->%d", r.From, r.To)
}

// poolIDFromPgID extracts the pool portion of a PG ID such as "3.1a".
func poolIDFromPgID(pgid string) (int, error) {
	spl := strings.SplitN(pgid, ".", 2)
	if len(spl) != 2 {
		return 0, errors.Errorf("'%s' is not a valid PG ID", pgid)
	}

	pool, err := strconv.Atoi(spl[0])
	if err != nil {
		return 0, errors.Wrapf(err, "'%s' is not a valid PG ID", pgid)
	}
	return pool, nil
}

func osdDump() *osdDumpOut {
	var out osdDumpOut

	jsonOut, err := runOsdDump()
	mustParseCephCommand(jsonOut, err, &out)

	return &out
}

// osdTree returns the OSD nodes of the CRUSH tree, keyed by OSD ID. The
// bucket hierarchy itself isn't needed for balancing; only the leaf weights
// matter here.
func osdTree() map[int]*osdTreeOutNode {
	var out osdTreeOut

	jsonOut, err := runOsdTree()
	mustParseCephCommand(jsonOut, err, &out)

	osds := make(map[int]*osdTreeOutNode)
	for _, n := range out.Nodes {
		if n.Type != "osd" {
			continue
		}
		osds[n.ID] = n
	}
	return osds
}

func osdPoolLsDetail() []*poolDetailItem {
	var out []*poolDetailItem

	jsonOut, err := runOsdPoolLsDetail()
	mustParseCephCommand(jsonOut, err, &out)

	return out
}

func pgDumpPgsBrief() []*pgBriefItem {
	out, err := runPgDumpPgsBrief()
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}

	var pgBriefs []*pgBriefItem

	if err := json.Unmarshal([]byte(out), &pgBriefs); err != nil {
		// Newer versions of Ceph have a slightly different structure.
		var pgBriefNautilusOut pgBriefNautilus
		if err := json.Unmarshal([]byte(out), &pgBriefNautilusOut); err != nil {
			panic(errors.WithStack(err))
		}
		pgBriefs = pgBriefNautilusOut.PgStats
	}

	return sanitizePgBriefs(pgBriefs)
}

func sanitizePgBriefs(pgBriefs []*pgBriefItem) []*pgBriefItem {
	duplicateMessage := "WARNING: PG %s's %s set has one or more duplicated OSD IDs; this PG will be excluded from operations and deviation calculations. Please check your CRUSH rules and map.\n"
	sanitized := make([]*pgBriefItem, 0, len(pgBriefs))

	for _, pgBrief := range pgBriefs {
		if len(pgBrief.Up) != len(pgBrief.Acting) {
			fmt.Printf("WARNING: PG %s's up and acting sets have mismatched lengths (%d vs. %d), perhaps due to a change in CRUSH rules; this PG will be excluded from operations and deviation calculations.\n", pgBrief.PgID, len(pgBrief.Up), len(pgBrief.Acting))
			continue
		}

		if hasDuplicateOSDID(pgBrief.Acting) {
			fmt.Printf(duplicateMessage, pgBrief.PgID, "acting")
			continue
		}

		if hasDuplicateOSDID(pgBrief.Up) {
			fmt.Printf(duplicateMessage, pgBrief.PgID, "up")
			continue
		}

		sanitized = append(sanitized, pgBrief)
	}

	return sanitized
}

func hasDuplicateOSDID(osdids []int) bool {
	for i, osdid := range osdids {
		for j, otherOSDID := range osdids {
			if i == j {
				continue
			}
			if osdid == otherOSDID {
				return true
			}
		}
	}
	return false
}

func run(command ...string) (string, error) {
	if verbose {
		fmt.Fprintf(os.Stderr, "** executing: %s\n", strings.Join(command, " "))
	}

	cmd := exec.Command(command[0], command[1:]...)
	stdout, err := cmd.Output()

	if err != nil {
		stderr := ""
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = fmt.Sprintf("\nstderr:\n%s", ee.Stderr)
		}
		return "", errors.Wrapf(err, "failed to execute command: %s%s",
			strings.Join(command, " "), stderr)
	}

	return string(stdout), nil
}

func runOrDie(command ...string) string {
	stdout, err := run(command...)
	if err != nil {
		panic(errors.WithStack(err))
	}
	return stdout
}

func mustParseCephCommand(out string, err error, v interface{}) {
	if err := parseCephCommand(out, err, v); err != nil {
		panic(errors.WithStack(err))
	}
}

func parseCephCommand(out string, err error, v interface{}) error {
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(out), v); err != nil {
		return err
	}

	return nil
}
