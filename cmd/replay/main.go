package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mintenance/critic-controller/internal/logging"
	"github.com/mintenance/critic-controller/internal/replay"
)

// #region main

func main() {
	var (
		fixturePath string
		jsonOut     bool
		verbose     bool
	)
	root := &cobra.Command{
		Use:           "replay --fixture path/to/fixture.json",
		Short:         "Replay recorded cases through decide and feedback",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := zap.NewNop()
			if verbose {
				l, err := logging.NewLogger("debug", true)
				if err != nil {
					return err
				}
				logger = l
			}
			code, err := runFixtureMode(cmd.Context(), fixturePath, jsonOut, logger)
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	root.Flags().StringVar(&fixturePath, "fixture", "", "path to fixture JSON or YAML")
	root.Flags().BoolVar(&jsonOut, "json", false, "output results and summary as JSON")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every decision")
	_ = root.MarkFlagRequired("fixture")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

// #endregion main

// #region fixture-mode

type jsonReport struct {
	Results    []replay.ReplayResult `json:"results"`
	Summary    replay.ReplaySummary  `json:"summary"`
	Mismatches int                   `json:"mismatches"`
}

func runFixtureMode(ctx context.Context, path string, jsonOut bool, logger *zap.Logger) (int, error) {
	fixture, err := replay.LoadFixture(path)
	if err != nil {
		return 2, err
	}

	results, summary, err := replay.Replay(ctx, fixture.Experiment.ID, fixture.Experiment.Arms,
		fixture.ToCases(), fixture.Config.ToReplayConfig(), logger)
	if err != nil {
		return 2, fmt.Errorf("replay: %w", err)
	}

	expected := make(map[string]string, len(fixture.ExpectedResults))
	for _, er := range fixture.ExpectedResults {
		expected[er.CaseID] = er.ArmID
	}

	mismatches := 0
	for _, r := range results {
		if want, ok := expected[r.CaseID]; ok && want != r.ArmID {
			mismatches++
		}
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(jsonReport{Results: results, Summary: summary, Mismatches: mismatches}); err != nil {
			return 2, err
		}
	} else {
		if fixture.Description != "" {
			fmt.Printf("Fixture: %s\n\n", fixture.Description)
		}
		printResults(results, expected)
		printSummary(summary, mismatches, len(expected))
	}

	if mismatches > 0 {
		return 1, nil
	}
	return 0, nil
}

func printResults(results []replay.ReplayResult, expected map[string]string) {
	fmt.Printf("%-10s  %-12s  %-12s  %9s  %9s  %-18s  %-24s  %s\n",
		"Case", "Arm", "Expected", "Reward UB", "Safety UB", "Fallback", "Feedback", "Match")
	fmt.Printf("%-10s+-%-12s+-%-12s+-%9s+-%9s+-%-18s+-%-24s+-%s\n",
		"----------", "------------", "------------", "---------", "---------",
		"------------------", "------------------------", "-----")
	for _, r := range results {
		want, hasExpected := expected[r.CaseID]
		match := "-"
		if hasExpected {
			match = "ok"
			if want != r.ArmID {
				match = "FAIL"
			}
		} else {
			want = "-"
		}
		fb := string(r.FeedbackStatus)
		if fb == "" {
			fb = "-"
		}
		reason := r.FallbackReason
		if reason == "" {
			reason = "-"
		}
		fmt.Printf("%-10s  %-12s  %-12s  %9.4f  %9.4f  %-18s  %-24s  %s\n",
			r.CaseID, r.ArmID, want, r.RewardBound, r.SafetyBound, reason, fb, match)
	}
}

func printSummary(s replay.ReplaySummary, mismatches, checked int) {
	fmt.Println()
	fmt.Printf("Cases: %d | Automated: %d | Escalated: %d | Fallbacks: %d\n",
		s.TotalCases, s.Automated, s.Escalated, s.Fallbacks)
	fmt.Printf("Feedback applied: %d | Safety violations on automated: %d\n",
		s.FeedbackApplied, s.SafetyViolations)
	for _, arm := range slices.Sorted(maps.Keys(s.Observations)) {
		fmt.Printf("  %-12s %d observations\n", arm, s.Observations[arm])
	}
	if checked > 0 {
		fmt.Printf("Expected arms: %d/%d match\n", checked-mismatches, checked)
	}
}

// #endregion fixture-mode
