package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/runsync/internal/config"
	"github.com/sells-group/runsync/internal/model"
	"github.com/sells-group/runsync/internal/poller"
	"github.com/sells-group/runsync/internal/view"
)

var (
	watchBaseURL string
	watchFollow  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Follow a run's status until it finishes",
	Long: "Polls the status endpoint of a runsync server and prints every state change. " +
		"With --follow, attaches to a run that is already processing and only reports progress and stalls.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if watchBaseURL != "" {
			cfg.Poller.BaseURL = watchBaseURL
		}
		if err := cfg.Validate("watch"); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		client := poller.NewStatusClient(cfg.Poller.BaseURL, poller.ClientOptions{
			Timeout: time.Duration(cfg.Poller.RequestTimeoutSecs) * time.Second,
		})
		pcfg := pollerConfig(cfg.Poller)
		obs := printingObserver(out)

		if watchFollow {
			return follow(ctx, client, pcfg, obs, args[0])
		}

		res, err := poller.New(client, pcfg, poller.WithObserver(obs)).Run(ctx, args[0])
		if res != nil {
			_, _ = fmt.Fprintf(out, "finished after %d polls in %s\n", res.Polls, res.Elapsed.Round(time.Second))
		}
		if err != nil {
			return eris.Wrapf(err, "watch %s", args[0])
		}
		return nil
	},
}

// follow seeds a Watcher with the run's current progress.
func follow(ctx context.Context, f poller.Fetcher, pcfg poller.Config, obs poller.Observer, runID string) error {
	snap, err := f.FetchStatus(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "watch %s", runID)
	}
	obs.OnUpdate(snap)
	if snap.RunStatus() != model.RunStatusProcessing {
		return nil
	}
	return poller.NewWatcher(f, pcfg, obs).Watch(ctx, runID, snap.CompletedStages())
}

func pollerConfig(p config.PollerConfig) poller.Config {
	initial, interval, notFound, backoff, maxRuntime := p.Durations()
	return poller.Config{
		InitialDelay:    initial,
		Interval:        interval,
		NotFoundDelay:   notFound,
		NotFoundRetries: p.NotFoundRetries,
		BaseBackoff:     backoff,
		MaxRetries:      p.MaxRetries,
		MaxRuntime:      maxRuntime,
		StaleThreshold:  p.StaleThreshold,
	}
}

// printingObserver writes one line per status change, stall or retry.
func printingObserver(out io.Writer) poller.Observer {
	var last string
	return poller.Observer{
		OnUpdate: func(snap *model.StatusSnapshot) {
			line := describe(snap)
			if line == last {
				return
			}
			last = line
			_, _ = fmt.Fprintln(out, line)
		},
		OnStale: func(polls int) {
			_, _ = fmt.Fprintf(out, "warning: no progress in the last %d polls; the pipeline may be stuck\n", polls)
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			_, _ = fmt.Fprintf(out, "status check failed (attempt %d, retrying in %s): %v\n", attempt, delay, err)
		},
	}
}

func describe(snap *model.StatusSnapshot) string {
	state := view.Derive(snap.CurrentStage, snap.RunStatus(), nil)
	what := view.Match(state, view.Handlers[string]{
		Extraction: func(s view.Extraction) string {
			return fmt.Sprintf("extracting (stage %d)", s.Stage)
		},
		InProgress: func(s view.InProgress) string {
			return fmt.Sprintf("in progress: %s", model.StageName(s.Stage))
		},
		Results: func(view.Results) string {
			return fmt.Sprintf("completed with %d opportunities", len(snap.PartialOpportunities))
		},
		Detail: func(d view.Detail) string {
			return "viewing " + d.Selection
		},
	})
	return fmt.Sprintf("[%s] %s stage %d/%d %s: %s",
		state.Kind(), snap.RunID, snap.CurrentStage, model.MaxStage, snap.Status, what)
}

func init() {
	watchCmd.Flags().StringVar(&watchBaseURL, "base-url", "", "runsync server URL (default from config)")
	watchCmd.Flags().BoolVar(&watchFollow, "follow", false, "attach to a processing run and report stalls")
	rootCmd.AddCommand(watchCmd)
}
