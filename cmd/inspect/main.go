package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mintenance/critic-controller/internal/logging"
	"github.com/mintenance/critic-controller/internal/model"
	"github.com/mintenance/critic-controller/internal/state"
)

var (
	dbPath  string
	jsonOut bool
)

// #region main

func main() {
	root := &cobra.Command{
		Use:           "inspect",
		Short:         "Read-only views over a critic database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if dbPath == "" {
				return fmt.Errorf("--db is required")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&dbPath, "db", os.Getenv("CRITIC_DB"), "path to critic.db")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	root.AddCommand(armsCmd(), decisionsCmd(), eventsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withStore(fn func(ctx context.Context, store *state.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		store, err := state.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()
		return fn(cmd.Context(), store)
	}
}

// #endregion main

// #region arms

type armRow struct {
	Experiment   string    `json:"experiment_id"`
	Arm          string    `json:"arm_id"`
	Version      int64     `json:"version"`
	Observations int64     `json:"observations"`
	Theta        []float64 `json:"theta"`
	Phi          []float64 `json:"phi"`
	UpdatedAt    string    `json:"updated_at"`
}

func armsCmd() *cobra.Command {
	var experiment string
	cmd := &cobra.Command{
		Use:   "arms",
		Short: "List arm models with their estimates",
		RunE: withStore(func(ctx context.Context, store *state.Store) error {
			records, err := store.ListArms(ctx, experiment)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(os.Stderr, "no arm models found")
				return nil
			}
			rows := make([]armRow, 0, len(records))
			for _, r := range records {
				row := armRow{
					Experiment:   r.Key.ExperimentID,
					Arm:          r.Key.ArmID,
					Version:      r.Version,
					Observations: r.Snapshot.Observations,
					UpdatedAt:    r.UpdatedAt.Format("2006-01-02T15:04:05Z"),
				}
				// lambda comes from the snapshot itself
				cfg := model.Config{Dim: r.Snapshot.Dim, Lambda: 1, Alpha: 1}
				if m, err := model.FromSnapshot(r.Snapshot, cfg); err == nil {
					row.Theta = m.Theta()
					row.Phi = m.Phi()
				}
				rows = append(rows, row)
			}
			if jsonOut {
				return printJSON(rows)
			}
			printArmTable(rows)
			return nil
		}),
	}
	cmd.Flags().StringVar(&experiment, "experiment", "", "filter to one experiment")
	return cmd
}

func printArmTable(rows []armRow) {
	fmt.Printf("%-16s  %-16s  %7s  %6s  %-28s  %-28s  %s\n",
		"Experiment", "Arm", "Version", "Obs", "Theta", "Phi", "Updated")
	fmt.Printf("%-16s+-%-16s+-%7s+-%6s+-%-28s+-%-28s+-%s\n",
		"----------------", "----------------", "-------", "------",
		"----------------------------", "----------------------------", "--------------------")
	for _, r := range rows {
		fmt.Printf("%-16s  %-16s  %7d  %6d  %-28s  %-28s  %s\n",
			truncate(r.Experiment, 16), truncate(r.Arm, 16), r.Version, r.Observations,
			truncate(formatVec(r.Theta), 28), truncate(formatVec(r.Phi), 28), r.UpdatedAt)
	}
}

// #endregion arms

// #region decisions

type decisionRow struct {
	ID          string  `json:"id"`
	Arm         string  `json:"arm_id"`
	RewardBound float64 `json:"reward_bound"`
	SafetyBound float64 `json:"safety_bound"`
	Category    string  `json:"category,omitempty"`
	Fallback    string  `json:"fallback,omitempty"`
	ChosenAt    string  `json:"chosen_at"`
}

func decisionsCmd() *cobra.Command {
	var (
		experiment string
		last       int
	)
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Show the most recent decisions of an experiment",
		RunE: withStore(func(ctx context.Context, store *state.Store) error {
			decisions, err := store.ListDecisions(ctx, experiment, last)
			if err != nil {
				return err
			}
			if len(decisions) == 0 {
				fmt.Fprintln(os.Stderr, "no decisions found")
				return nil
			}
			rows := make([]decisionRow, len(decisions))
			for i, d := range decisions {
				rows[i] = decisionRow{
					ID:          d.ID,
					Arm:         d.ArmID,
					RewardBound: d.RewardBound,
					SafetyBound: d.SafetyBound,
					Category:    d.Category,
					Fallback:    d.FallbackReason,
					ChosenAt:    d.ChosenAt.Format("2006-01-02T15:04:05Z"),
				}
			}
			if jsonOut {
				return printJSON(rows)
			}
			fmt.Printf("%-36s  %-14s  %9s  %9s  %-18s  %-16s  %s\n",
				"Decision", "Arm", "Reward UB", "Safety UB", "Category", "Reason", "Time")
			fmt.Printf("%-36s+-%-14s+-%9s+-%9s+-%-18s+-%-16s+-%s\n",
				strings.Repeat("-", 36), "--------------", "---------", "---------",
				"------------------", "----------------", "--------------------")
			for _, r := range rows {
				fmt.Printf("%-36s  %-14s  %9.4f  %9.4f  %-18s  %-16s  %s\n",
					r.ID, truncate(r.Arm, 14), r.RewardBound, r.SafetyBound,
					truncate(r.Category, 18), truncate(r.Fallback, 16), r.ChosenAt)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&experiment, "experiment", "", "experiment id (required)")
	cmd.Flags().IntVar(&last, "last", 20, "show N most recent decisions")
	_ = cmd.MarkFlagRequired("experiment")
	return cmd
}

// #endregion decisions

// #region events

type eventRow struct {
	Type       string          `json:"event_type"`
	Experiment string          `json:"experiment_id,omitempty"`
	Arm        string          `json:"arm_id,omitempty"`
	Decision   string          `json:"decision_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

func eventsCmd() *cobra.Command {
	var (
		eventType string
		last      int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit log",
		RunE: withStore(func(ctx context.Context, store *state.Store) error {
			entries, err := logging.ListEvents(ctx, store.DB(), logging.EventType(eventType), last)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(os.Stderr, "no events found")
				return nil
			}
			rows := make([]eventRow, len(entries))
			for i, e := range entries {
				rows[i] = eventRow{
					Type:       string(e.EventType),
					Experiment: e.ExperimentID,
					Arm:        e.ArmID,
					Decision:   e.DecisionID,
					CreatedAt:  e.CreatedAt.Format("2006-01-02T15:04:05Z"),
				}
				if json.Valid([]byte(e.PayloadJSON)) {
					rows[i].Payload = json.RawMessage(e.PayloadJSON)
				}
			}
			if jsonOut {
				return printJSON(rows)
			}
			fmt.Printf("%-18s  %-16s  %-14s  %-36s  %s\n", "Event", "Experiment", "Arm", "Decision", "Time")
			fmt.Printf("%-18s+-%-16s+-%-14s+-%-36s+-%s\n",
				"------------------", "----------------", "--------------", strings.Repeat("-", 36), "--------------------")
			for _, r := range rows {
				fmt.Printf("%-18s  %-16s  %-14s  %-36s  %s\n",
					r.Type, truncate(r.Experiment, 16), truncate(r.Arm, 14), r.Decision, r.CreatedAt)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type (decision, outcome, feedback_skipped, reset)")
	cmd.Flags().IntVar(&last, "last", 50, "show N most recent events")
	return cmd
}

// #endregion events

// #region helpers

func formatVec(v []float64) string {
	if len(v) == 0 {
		return "-"
	}
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.3f", x)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion helpers
