package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/runsync/internal/model"
	"github.com/sells-group/runsync/internal/store"
	"github.com/sells-group/runsync/internal/view"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage pipeline runs",
	Long:  "Commands for creating, listing, viewing, summarizing and deleting pipeline runs.",
}

// -- runs create --

var runsCreateCmd = &cobra.Command{
	Use:   "create [company-name]",
	Short: "Create a pending run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		company := ""
		if len(args) == 1 {
			company = args[0]
		}
		run, err := st.CreateRun(ctx, company)
		if err != nil {
			return eris.Wrap(err, "runs create")
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), run.ID)
		return nil
	},
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{Limit: limit}
		if status != "" {
			st, ok := model.ParseRunStatus(status)
			if !ok {
				return eris.Errorf("runs list: unknown status %q", status)
			}
			filter.Status = st
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		output, _ := cmd.Flags().GetString("output")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		records, err := st.ListStageRecords(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		cards, err := st.ListCards(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		return writeRunDetail(cmd.OutOrStdout(), output, newRunDetail(run, records, cards))
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(cmd.OutOrStdout(), computeRunStats(runs))
		return nil
	},
}

// -- runs delete --

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run with its stage records, cards and report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeleteRun(ctx, args[0]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return eris.Errorf("runs delete: run %s not found", args[0])
			}
			return eris.Wrap(err, "runs delete")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (pending, processing, completed, failed, cancelled)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsShowCmd.Flags().StringP("output", "o", "json", "output format (json, yaml)")

	runsCmd.AddCommand(runsCreateCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	rootCmd.AddCommand(runsCmd)
}

// runDetail is the printable form of a run.
type runDetail struct {
	ID           string       `json:"id" yaml:"id"`
	Company      string       `json:"company,omitempty" yaml:"company,omitempty"`
	Status       string       `json:"status" yaml:"status"`
	CurrentStage int          `json:"current_stage" yaml:"current_stage"`
	ViewState    string       `json:"view_state" yaml:"view_state"`
	HasReport    bool         `json:"has_report" yaml:"has_report"`
	DurationMs   *int64       `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" yaml:"updated_at"`
	Stages       []stageLine  `json:"stages" yaml:"stages"`
	Cards        []cardDetail `json:"cards" yaml:"cards"`
}

type stageLine struct {
	Number      int        `json:"number" yaml:"number"`
	Name        string     `json:"name" yaml:"name"`
	Status      string     `json:"status" yaml:"status"`
	OutputBytes int        `json:"output_bytes" yaml:"output_bytes"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

type cardDetail struct {
	Number  int    `json:"number" yaml:"number"`
	Title   string `json:"title" yaml:"title"`
	Starred bool   `json:"starred" yaml:"starred"`
	Summary string `json:"summary" yaml:"summary"`
}

func newRunDetail(run *model.Run, records []model.StageRecord, cards []model.OpportunityCard) runDetail {
	d := runDetail{
		ID:           run.ID,
		Company:      run.CompanyName,
		Status:       string(run.Status),
		CurrentStage: run.CurrentStage,
		ViewState:    string(view.Derive(run.CurrentStage, run.Status, nil).Kind()),
		HasReport:    run.HasFullReport(),
		DurationMs:   run.DurationMs,
		CompletedAt:  run.CompletedAt,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
		Stages:       make([]stageLine, 0, len(records)),
		Cards:        make([]cardDetail, 0, len(cards)),
	}
	for _, r := range records {
		d.Stages = append(d.Stages, stageLine{
			Number:      r.StageNumber,
			Name:        r.StageName,
			Status:      string(r.Status),
			OutputBytes: len(r.Output),
			CompletedAt: r.CompletedAt,
		})
	}
	for i := range cards {
		d.Cards = append(d.Cards, cardDetail{
			Number:  cards[i].Number,
			Title:   cards[i].Title,
			Starred: cards[i].IsStarred,
			Summary: cards[i].Summary(),
		})
	}
	return d
}

func writeRunDetail(out io.Writer, format string, d runDetail) error {
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return eris.Wrap(err, "runs show: encode yaml")
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	default:
		return eris.Errorf("runs show: unknown output format %q", format)
	}
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from a list of runs. The
// average only covers completed runs that reported a duration.
func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalMs int64
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusPending:
			s.Pending++
		case model.RunStatusProcessing:
			s.Processing++
		case model.RunStatusCompleted:
			s.Completed++
			if r.DurationMs != nil {
				totalMs += *r.DurationMs
				durCount++
			}
		case model.RunStatusFailed:
			s.Failed++
		case model.RunStatusCancelled:
			s.Cancelled++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = float64(totalMs) / 1000 / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPANY\tSTATUS\tSTAGE\tCREATED\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t-----\t-------\t-------")

	for _, r := range runs {
		company := r.CompanyName
		if len(company) > 30 {
			company = company[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(r.ID),
			company,
			r.Status,
			r.CurrentStage,
			model.MaxStage,
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", s.Pending)
	_, _ = fmt.Fprintf(w, "Processing:\t%d\n", s.Processing)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.Cancelled)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
