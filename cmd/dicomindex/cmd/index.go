package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/dicomindex/internal/engine"
	"github.com/Aman-CERP/dicomindex/internal/jobs"
	"github.com/Aman-CERP/dicomindex/internal/output"
	"github.com/Aman-CERP/dicomindex/internal/preprocess"
	"github.com/Aman-CERP/dicomindex/internal/ui"
)

// pollInterval is how often a waiting command refreshes job progress.
const pollInterval = 200 * time.Millisecond

// plainProgress forces line-based progress output.
var plainProgress bool

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Run indexing jobs against the change feed",
		Long: `Run a full or incremental indexing job and wait for it to finish.

A full job re-reads the whole feed with the current field registry and
swaps the index atomically on commit. An incremental job pulls changes
since the stored watermark and commits them as one new segment.

On a terminal, progress is drawn live; --plain prints one line per step.`,
	}
	cmd.PersistentFlags().BoolVar(&plainProgress, "plain", false, "Print progress as plain lines")
	cmd.AddCommand(&cobra.Command{
		Use:   "full",
		Short: "Rebuild the index from the whole feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				j, err := eng.SubmitFull(ctx, nil)
				if err != nil {
					return err
				}
				return waitAndReport(ctx, eng, out, cmd.OutOrStdout(), j)
			})
		},
	})
	cmd.AddCommand(newIndexIncrementalCmd())
	return cmd
}

func newIndexIncrementalCmd() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "incremental",
		Short: "Index feed changes since the watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseSince(since)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				j, err := eng.SubmitIncremental(ctx, from)
				if err != nil {
					return err
				}
				return waitAndReport(ctx, eng, out, cmd.OutOrStdout(), j)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Start no earlier than this time (RFC3339 or YYYYMMDD)")
	return cmd
}

func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := preprocess.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	return t, nil
}

// waitAndReport blocks until j is terminal. An interrupt cancels the job.
// Text mode draws live progress and the job summary on w.
func waitAndReport(ctx context.Context, eng *engine.Engine, out *output.Writer, w io.Writer, j jobs.Job) error {
	cancel, release := cancelOnInterrupt(ctx, eng, j.ID)
	defer release()

	var (
		done jobs.Job
		err  error
	)
	if out.JSON() {
		done, err = eng.WaitJob(ctx, j.ID)
	} else {
		done, err = watchJob(ctx, eng, w, j, cancel)
	}
	if err != nil {
		return err
	}
	if out.JSON() {
		if err := out.Result(done, nil); err != nil {
			return err
		}
	}
	if done.State != jobs.StateCompleted {
		return fmt.Errorf("job %s %s: %s", done.ID, done.State, done.Error)
	}
	return nil
}

// watchJob polls the job status into a progress renderer until WaitJob
// returns.
func watchJob(ctx context.Context, eng *engine.Engine, w io.Writer, j jobs.Job, cancel func()) (jobs.Job, error) {
	r := ui.NewRenderer(ui.NewConfig(w,
		ui.WithTitle(fmt.Sprintf("%s • %s", j.ID, j.Kind)),
		ui.WithForcePlain(plainProgress),
		ui.WithOnInterrupt(cancel)))
	if err := r.Start(ctx); err != nil {
		return jobs.Job{}, err
	}
	defer func() { _ = r.Stop() }()

	type result struct {
		job jobs.Job
		err error
	}
	waited := make(chan result, 1)
	go func() {
		done, err := eng.WaitJob(ctx, j.ID)
		waited <- result{done, err}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	r.Update(j.Progress)
	for {
		select {
		case res := <-waited:
			if res.err == nil {
				r.Complete(res.job)
			}
			return res.job, res.err
		case <-ticker.C:
			if cur, err := eng.JobStatus(ctx, j.ID); err == nil {
				r.Update(cur.Progress)
			}
		}
	}
}

// cancelOnInterrupt cancels job id on the first SIGINT or SIGTERM, or when
// the returned cancel func runs. The job stops at its next batch boundary
// and WaitJob then reports it as cancelled. release stops listening.
func cancelOnInterrupt(ctx context.Context, eng *engine.Engine, id string) (cancel, release func()) {
	var once sync.Once
	cancel = func() {
		once.Do(func() {
			if _, err := eng.CancelJob(ctx, id); err != nil {
				slog.Warn("failed to cancel job", slog.String("job", id), slog.String("error", err.Error()))
			}
		})
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	finished := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			cancel()
		case <-finished:
		}
	}()
	return cancel, func() {
		signal.Stop(sigs)
		close(finished)
	}
}

func printJob(w *output.Writer, j jobs.Job) {
	p := j.Progress
	pairs := []any{
		"job", j.ID,
		"kind", j.Kind,
		"state", j.State,
		"indexed", p.Indexed,
		"deleted", p.Deleted,
		"skipped", p.Skipped,
		"batches", p.Batches,
		"attempts", j.Attempts,
	}
	if j.Version > 0 {
		pairs = append(pairs, "index version", j.Version)
	}
	if !j.FinishedAt.IsZero() && !j.StartedAt.IsZero() {
		pairs = append(pairs, "duration", j.FinishedAt.Sub(j.StartedAt).Round(time.Millisecond))
	}
	if j.Error != "" {
		pairs = append(pairs, "error", j.Error)
	}
	w.KV(pairs...)
}
