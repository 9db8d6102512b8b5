package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/dicomindex/internal/engine"
	"github.com/Aman-CERP/dicomindex/internal/output"
	"github.com/Aman-CERP/dicomindex/internal/profiling"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a snapshot of the index and field registry",
		Long: `Write a snapshot of the committed index, the field registry and the
incremental watermark to the configured backup backend (local directory,
MinIO or S3).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				id, err := eng.Backup(ctx)
				if err != nil {
					return err
				}
				return out.Result(map[string]string{"snapshot": id}, func(w *output.Writer) {
					w.Successf("Snapshot %s written", id)
				})
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				ids, err := eng.ListSnapshots(ctx)
				if err != nil {
					return err
				}
				return out.Result(ids, func(w *output.Writer) {
					if len(ids) == 0 {
						w.Warning("No snapshots")
						return
					}
					for _, id := range ids {
						w.Line("%s", id)
					}
				})
			})
		},
	})
	return cmd
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore SNAPSHOT_ID",
		Short: "Replace the index and field registry with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				res, err := eng.Restore(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Result(res, func(w *output.Writer) {
					w.Successf("Restored %s: %d records at index version %d", res.SnapshotID, res.Records, res.Version)
				})
			})
		},
	}
}

func newOptimizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Merge segments and drop deleted records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				res, err := eng.Optimize(ctx)
				if err != nil {
					return err
				}
				return out.Result(res, func(w *output.Writer) {
					if !res.Compacted {
						w.Success("Index already optimal")
						return
					}
					w.Successf("Merged %d segments (%d tombstones) into %d at index version %d",
						res.SegmentsBefore, res.TombstonesBefore, res.SegmentsAfter, res.Version)
				})
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index, registry and job status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				st, err := eng.Status(ctx)
				if err != nil {
					return err
				}
				return out.Result(st, func(w *output.Writer) {
					watermark := "none"
					if !st.Watermark.IsZero() {
						watermark = st.Watermark.Local().Format("2006-01-02 15:04:05")
					}
					w.KV(
						"data dir", eng.Config().DataDir,
						"index version", st.IndexVersion,
						"records", st.Records,
						"segments", st.Segments,
						"tombstones", st.Tombstones,
						"registry version", st.RegistryVersion,
						"fields", st.Fields,
						"watermark", watermark,
						"running jobs", st.RunningJobs,
						"cache", profiling.FormatBytes(uint64(st.Cache.SizeBytes))+" / "+profiling.FormatBytes(uint64(st.Cache.MaxBytes)),
					)
				})
			})
		},
	}
}
