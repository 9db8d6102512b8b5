package cmd

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/dicomindex/internal/engine"
	ierrors "github.com/Aman-CERP/dicomindex/internal/errors"
	"github.com/Aman-CERP/dicomindex/internal/jobs"
	"github.com/Aman-CERP/dicomindex/internal/output"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect indexing job history",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsShowCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				list, err := eng.ListJobs(ctx, limit)
				if err != nil {
					return err
				}
				return out.Result(list, func(w *output.Writer) { printJobs(w, list) })
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of persisted jobs to show")
	return cmd
}

func newJobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show one job from the history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				list, err := eng.ListJobs(ctx, -1)
				if err != nil {
					return err
				}
				for _, j := range list {
					if j.ID == args[0] {
						return out.Result(j, func(w *output.Writer) { printJob(w, j) })
					}
				}
				return ierrors.NotFoundError(ierrors.ErrCodeJobNotFound, "job", args[0])
			})
		},
	}
}

func printJobs(w *output.Writer, list []jobs.Job) {
	if len(list) == 0 {
		w.Warning("No jobs recorded")
		return
	}
	rows := make([][]string, 0, len(list))
	for _, j := range list {
		rows = append(rows, []string{
			j.ID,
			string(j.Kind),
			string(j.State),
			j.SubmittedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.Itoa(j.Progress.Indexed),
			strconv.Itoa(j.Progress.Deleted),
			j.ErrorCode,
		})
	}
	w.Table([]string{"id", "kind", "state", "submitted", "indexed", "deleted", "error"}, rows)
}
