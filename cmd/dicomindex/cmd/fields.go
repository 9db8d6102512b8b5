package cmd

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/dicomindex/internal/engine"
	"github.com/Aman-CERP/dicomindex/internal/output"
	"github.com/Aman-CERP/dicomindex/internal/registry"
)

func newFieldsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "Manage the field registry",
		Long: `Define, update and remove the metadata fields the index knows about.

Each field has a data type (string, date, numeric, enum), searchable and
facetable flags and an ordered preprocessing chain applied to raw values
at indexing time and to query values at validation time.`,
	}
	cmd.AddCommand(newFieldsListCmd())
	cmd.AddCommand(newFieldsGetCmd())
	cmd.AddCommand(newFieldsDefineCmd())
	cmd.AddCommand(newFieldsUpdateCmd())
	cmd.AddCommand(newFieldsRemoveCmd())
	return cmd
}

func newFieldsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List field definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				fields, err := eng.ListFields(ctx)
				if err != nil {
					return err
				}
				return out.Result(fields, func(w *output.Writer) { printFields(w, fields) })
			})
		},
	}
}

func newFieldsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get TAG",
		Short: "Show one field definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				f, err := eng.GetField(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Result(f, func(w *output.Writer) { printFields(w, []registry.Field{f}) })
			})
		},
	}
}

func newFieldsDefineCmd() *cobra.Command {
	var (
		dataType   string
		searchable bool
		facetable  bool
		chain      []string
		enum       []string
	)
	cmd := &cobra.Command{
		Use:   "define TAG",
		Short: "Add a field definition",
		Example: `  dicomindex fields define PatientName --type string --searchable --preprocess person_name
  dicomindex fields define Modality --type enum --searchable --facetable \
      --preprocess modality --enum CT,MR,US`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := registry.Field{
				Tag:           args[0],
				DataType:      registry.DataType(dataType),
				Searchable:    searchable,
				Facetable:     facetable,
				Preprocessing: chain,
				EnumValues:    enum,
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				defined, err := eng.DefineField(ctx, f)
				if err != nil {
					return err
				}
				return out.Result(defined, func(w *output.Writer) {
					w.Successf("Defined %s (%s) at registry version %d", defined.Tag, defined.DataType, defined.Version)
				})
			})
		},
	}
	cmd.Flags().StringVar(&dataType, "type", string(registry.TypeString), "Data type: string, date, numeric or enum")
	cmd.Flags().BoolVar(&searchable, "searchable", false, "Allow the field in filter expressions")
	cmd.Flags().BoolVar(&facetable, "facetable", false, "Allow facet counts on the field")
	cmd.Flags().StringSliceVar(&chain, "preprocess", nil, "Preprocessing functions, in order")
	cmd.Flags().StringSliceVar(&enum, "enum", nil, "Allowed values of an enum field")
	return cmd
}

func newFieldsUpdateCmd() *cobra.Command {
	var (
		dataType   string
		searchable bool
		facetable  bool
		chain      []string
		enum       []string
	)
	cmd := &cobra.Command{
		Use:   "update TAG",
		Short: "Change parts of a field definition",
		Long: `Change parts of a field definition. Only the flags given are applied.

Changing the data type is rejected while values of the field are indexed;
submit a full re-index with the new definition instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p registry.Patch
			flags := cmd.Flags()
			if flags.Changed("type") {
				dt := registry.DataType(dataType)
				p.DataType = &dt
			}
			if flags.Changed("searchable") {
				p.Searchable = &searchable
			}
			if flags.Changed("facetable") {
				p.Facetable = &facetable
			}
			if flags.Changed("preprocess") {
				p.Preprocessing = &chain
			}
			if flags.Changed("enum") {
				p.EnumValues = &enum
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				updated, err := eng.UpdateField(ctx, args[0], p)
				if err != nil {
					return err
				}
				return out.Result(updated, func(w *output.Writer) {
					w.Successf("Updated %s at registry version %d", updated.Tag, updated.Version)
				})
			})
		},
	}
	cmd.Flags().StringVar(&dataType, "type", "", "New data type")
	cmd.Flags().BoolVar(&searchable, "searchable", false, "Allow the field in filter expressions")
	cmd.Flags().BoolVar(&facetable, "facetable", false, "Allow facet counts on the field")
	cmd.Flags().StringSliceVar(&chain, "preprocess", nil, "Replace the preprocessing chain")
	cmd.Flags().StringSliceVar(&enum, "enum", nil, "Replace the allowed enum values")
	return cmd
}

func newFieldsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove TAG",
		Short: "Remove a field definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				if err := eng.RemoveField(ctx, args[0]); err != nil {
					return err
				}
				return out.Result(map[string]string{"removed": args[0]}, func(w *output.Writer) {
					w.Successf("Removed %s", args[0])
				})
			})
		},
	}
}

func printFields(w *output.Writer, fields []registry.Field) {
	if len(fields) == 0 {
		w.Warning("No fields defined. Add one with 'dicomindex fields define'.")
		return
	}
	rows := make([][]string, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, []string{
			f.Tag,
			string(f.DataType),
			yesNo(f.Searchable),
			yesNo(f.Facetable),
			strings.Join(f.Preprocessing, ","),
			strings.Join(f.EnumValues, ","),
			strconv.FormatInt(f.Version, 10),
		})
	}
	w.Table([]string{"tag", "type", "searchable", "facetable", "preprocessing", "enum", "version"}, rows)
}
