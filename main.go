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
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var gitCommit string

var (
	concurrency int
	yes         bool
	verbose     bool

	log = logrus.New()

	rootCmd = &cobra.Command{
		Use:   "pgbalancer",
		Short: "Compute upmap exception table changes that balance PG placement",
		Long: `Compute upmap exception table changes that balance PG placement.

All commands work on a point-in-time snapshot of the cluster state and
compute a sequence of 'ceph osd pg-upmap-items' / 'ceph osd
rm-pg-upmap-items' commands. Nothing is applied unless --yes is given.
`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetOutput(os.Stderr)
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}

	balanceCmd = &cobra.Command{
		Use:   "balance",
		Short: "Add/modify/remove upmap entries to even out PG counts across OSDs.",
		Long: `Add/modify/remove upmap entries to even out PG counts across OSDs.

Each OSD's target share is proportional to its effective weight (CRUSH
weight x reweight). The balancer greedily searches for single-PG remaps
that strictly reduce the variance of per-OSD deviations, stopping when
every OSD is within --max-deviation of its target, when --max-changes
moves have been accepted, or when no improving move exists.

This is useful for cases where general enablement of Ceph's own balancer
either isn't possible or is undesirable.
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errors.New("extra args")
			}
			if mustGetInt(cmd, "max-deviation") < 0 {
				return errors.New("--max-deviation must be non-negative")
			}
			if mustGetInt(cmd, "max-changes") < 0 {
				return errors.New("--max-changes must be non-negative")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			seed := mustGetInt64(cmd, "seed")
			if !cmd.Flags().Changed("seed") {
				seed = time.Now().UnixNano()
			}

			snap := getClusterSnapshot()
			m := newMappingState(snap)

			b := newBalancer(snap, m, rand.New(rand.NewSource(seed)), balancerOptions{
				MaxDeviation: mustGetInt(cmd, "max-deviation"),
				MaxChanges:   mustGetInt(cmd, "max-changes"),
				Pools:        mustGetPoolFilter(cmd),
			})
			changes := b.run()
			log.WithFields(logrus.Fields{
				"changes": changes,
				"seed":    seed,
			}).Debug("balance search finished")

			emitAndApply(snap, m)
		},
	}

	cancelBackfillCmd = &cobra.Command{
		Use:   "cancel-backfill",
		Short: "Add upmap entries to cancel out pending backfill",
		Long: `Add upmap entries to cancel out pending backfill.

This command iterates the list of remapped PGs (up set differs from
acting set), creating, modifying, or removing upmap exception table
entries to point the PGs back to where they are located now. This
essentially reverts whatever decision led to the backfill (CRUSH change,
OSD reweight, or another upmap entry) and converges the cluster back to
active+clean quickly.
`,
		Run: func(cmd *cobra.Command, _ []string) {
			snap := getClusterSnapshot()
			m := newMappingState(snap)

			calcPgMappingsToCancelBackfill(snap, m, mustGetPoolFilter(cmd))

			emitAndApply(snap, m)
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version information",

		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("git sha %s\n", gitCommit)
		},
	}
)

func mustGetInt(cmd *cobra.Command, arg string) int {
	ret, err := cmd.Flags().GetInt(arg)
	if err != nil {
		panic(errors.WithStack(err))
	}
	return ret
}

func mustGetInt64(cmd *cobra.Command, arg string) int64 {
	ret, err := cmd.Flags().GetInt64(arg)
	if err != nil {
		panic(errors.WithStack(err))
	}
	return ret
}

func mustGetIntSlice(cmd *cobra.Command, arg string) []int {
	ret, err := cmd.Flags().GetIntSlice(arg)
	if err != nil {
		panic(errors.WithStack(err))
	}
	return ret
}

func mustGetPoolFilter(cmd *cobra.Command) map[int]struct{} {
	ids := mustGetIntSlice(cmd, "pools")
	if len(ids) == 0 {
		return nil
	}

	pools := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		pools[id] = struct{}{}
	}
	return pools
}

// emitAndApply prints the directive sequence computed by an optimizer and,
// with --yes, executes it. Execution parallelizes across PGs but keeps each
// PG's remove-before-add ordering intact.
func emitAndApply(snap *clusterSnapshot, m *mappingState) {
	directives := diffOverrides(snap.upmapItems, m.pgUpmapItems)
	if len(directives) == 0 {
		fmt.Fprintf(os.Stderr, "nothing to do\n")
		return
	}

	if !yes {
		fmt.Println("The following changes would be made to the upmap exception table:")
		fmt.Println(m.String())
		fmt.Println()
		for _, d := range directives {
			fmt.Println(d.String())
		}
		fmt.Println()
		fmt.Println("No changes made - use --yes to apply changes.")
		return
	}

	applyDirectives(directives)
}

func applyDirectives(directives []directive) {
	groups := make(map[string][]directive)
	order := []string{}
	for _, d := range directives {
		if _, ok := groups[d.pgID]; !ok {
			order = append(order, d.pgID)
		}
		groups[d.pgID] = append(groups[d.pgID], d)
	}

	wg := sync.WaitGroup{}
	ch := make(chan []directive)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			for group := range ch {
				for _, d := range group {
					_ = runOrDie(d.args()...)
				}
			}

			wg.Done()
		}()
	}

	for _, pgid := range order {
		ch <- groups[pgid]
	}
	close(ch)

	wg.Wait()
}

func init() {
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 5, "number of commands to issue in parallel")
	rootCmd.PersistentFlags().BoolVar(&yes, "yes", false, "apply changes instead of printing them")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "display Ceph commands being run and search loop tracing")

	balanceCmd.Flags().Int("max-deviation", defaultMaxDeviation, "tolerated per-OSD deviation from the weight-proportional PG count")
	balanceCmd.Flags().Int("max-changes", defaultMaxChanges, "max number of accepted remap changes")
	balanceCmd.Flags().IntSlice("pools", []int{}, "restrict balancing to the given pool IDs")
	balanceCmd.Flags().Int64("seed", 0, "seed for the search order; identical seeds reproduce identical output")
	rootCmd.AddCommand(balanceCmd)

	cancelBackfillCmd.Flags().IntSlice("pools", []int{}, "restrict backfill cancellation to the given pool IDs")
	rootCmd.AddCommand(cancelBackfillCmd)

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
