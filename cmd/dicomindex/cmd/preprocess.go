package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/dicomindex/internal/engine"
	"github.com/Aman-CERP/dicomindex/internal/output"
)

func newPreprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Inspect preprocessing functions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered preprocessing functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(_ context.Context, eng *engine.Engine, out *output.Writer) error {
				names := eng.Preprocessors()
				return out.Result(names, func(w *output.Writer) {
					for _, n := range names {
						w.Line("%s", n)
					}
				})
			})
		},
	})
	cmd.AddCommand(newPreprocessTestCmd())
	return cmd
}

func newPreprocessTestCmd() *cobra.Command {
	var contextDate string
	cmd := &cobra.Command{
		Use:   "test FUNCTION SAMPLE",
		Short: "Apply one preprocessing function to a sample value",
		Example: `  dicomindex preprocess test person_name 'Doe^John'
  dicomindex preprocess test age_years 19800101 --context-date 20240301`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				res, err := eng.TestPreprocessor(ctx, args[0], args[1], contextDate)
				if err != nil {
					return err
				}
				return out.Result(map[string]string{"function": args[0], "input": args[1], "output": res},
					func(w *output.Writer) { w.Line("%s", res) })
			})
		},
	}
	cmd.Flags().StringVar(&contextDate, "context-date", "", "Reference date for age calculations")
	return cmd
}
