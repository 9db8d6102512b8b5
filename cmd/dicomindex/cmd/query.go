package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/dicomindex/internal/engine"
	"github.com/Aman-CERP/dicomindex/internal/index"
	"github.com/Aman-CERP/dicomindex/internal/output"
	"github.com/Aman-CERP/dicomindex/internal/query"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Validate and execute filter expressions",
		Long: `Validate and execute filter expressions against the committed index.

Expressions are JSON or YAML trees. Pass them inline, as @file, or as -
to read standard input:

  dicomindex query run '{"field":"Modality","operator":"eq","value":"CT"}'
  dicomindex query run @filters/ct-2024.yaml --facet Modality`,
	}
	cmd.AddCommand(newQueryRunCmd())
	cmd.AddCommand(newQueryValidateCmd())
	cmd.AddCommand(newQuerySuggestCmd())
	cmd.AddCommand(newQueryCombineCmd())
	cmd.AddCommand(newQueryFieldsCmd())
	cmd.AddCommand(newQueryOperatorsCmd())
	cmd.AddCommand(newQueryTemplatesCmd())
	cmd.AddCommand(newQueryStatsCmd())
	return cmd
}

type runFlags struct {
	offset int
	limit  int
	sort   string
	desc   bool
	facets []string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.offset, "offset", 0, "Skip this many records")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Records per page (0 uses query.default_limit)")
	cmd.Flags().StringVar(&f.sort, "sort", "", "Sort by this field")
	cmd.Flags().BoolVar(&f.desc, "desc", false, "Sort descending")
	cmd.Flags().StringSliceVar(&f.facets, "facet", nil, "Return value counts for these facetable fields")
}

func (f *runFlags) request(expr query.Expression) query.Request {
	return query.Request{
		Expression: expr,
		Page:       index.Page{Offset: f.offset, Limit: f.limit},
		Sort:       index.Sort{Field: f.sort, Descending: f.desc},
		Facets:     f.facets,
	}
}

func newQueryRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run EXPRESSION",
		Short: "Execute a filter expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, err := parseExpression(cmd, args[0])
			if err != nil {
				return err
			}
			return runQuery(cmd, flags.request(expr))
		},
	}
	flags.register(cmd)
	return cmd
}

func runQuery(cmd *cobra.Command, req query.Request) error {
	return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
		resp, err := eng.Execute(ctx, req)
		if err != nil {
			return err
		}
		return out.Result(resp, func(w *output.Writer) { printResponse(w, req.Page, resp) })
	})
}

func newQueryValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate EXPRESSION",
		Short: "Check an expression against the field registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, err := parseExpression(cmd, args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				res, err := eng.Validate(ctx, expr)
				if err != nil {
					return err
				}
				if err := out.Result(res, func(w *output.Writer) { printValidation(w, res) }); err != nil {
					return err
				}
				return res.Err()
			})
		},
	}
}

func newQuerySuggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest FIELD [VALUE]",
		Short: "Autocomplete field names or facet values",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := ""
			if len(args) == 2 {
				value = args[1]
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				list, err := eng.Suggest(ctx, args[0], value)
				if err != nil {
					return err
				}
				return out.Result(list, func(w *output.Writer) {
					rows := make([][]string, 0, len(list))
					for _, s := range list {
						rows = append(rows, []string{s.Field, s.Value, strconv.Itoa(s.Count)})
					}
					w.Table([]string{"field", "value", "count"}, rows)
				})
			})
		},
	}
}

func newQueryCombineCmd() *cobra.Command {
	var (
		op    string
		run   bool
		flags runFlags
	)
	cmd := &cobra.Command{
		Use:   "combine EXPRESSION...",
		Short: "Join expressions under and or or",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exprs := make([]query.Expression, 0, len(args))
			for _, a := range args {
				e, err := parseExpression(cmd, a)
				if err != nil {
					return err
				}
				exprs = append(exprs, e)
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				combined, err := eng.Combine(ctx, exprs, query.Operator(op))
				if err != nil {
					return err
				}
				if !run {
					return out.Result(combined, func(w *output.Writer) { w.Line("%s", query.Shape(combined)) })
				}
				req := flags.request(combined)
				resp, err := eng.Execute(ctx, req)
				if err != nil {
					return err
				}
				return out.Result(resp, func(w *output.Writer) { printResponse(w, req.Page, resp) })
			})
		},
	}
	cmd.Flags().StringVar(&op, "op", string(query.OpAnd), "Combining operator: and or or")
	cmd.Flags().BoolVar(&run, "run", false, "Execute the combined expression")
	flags.register(cmd)
	return cmd
}

func newQueryFieldsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "List searchable fields and their operators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				catalog, err := eng.FieldCatalog(ctx)
				if err != nil {
					return err
				}
				return out.Result(catalog, func(w *output.Writer) {
					rows := make([][]string, 0, len(catalog))
					for _, f := range catalog {
						ops := make([]string, len(f.Operators))
						for i, o := range f.Operators {
							ops[i] = string(o)
						}
						rows = append(rows, []string{f.Tag, string(f.DataType), yesNo(f.Facetable), strings.Join(ops, ",")})
					}
					w.Table([]string{"field", "type", "facetable", "operators"}, rows)
				})
			})
		},
	}
}

func newQueryOperatorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "operators",
		Short: "List supported operators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				ops, err := eng.Operators(ctx)
				if err != nil {
					return err
				}
				return out.Result(ops, func(w *output.Writer) {
					rows := make([][]string, 0, len(ops))
					for _, o := range ops {
						rows = append(rows, []string{string(o.Operator), o.Arity, yesNo(o.Advanced), o.Description})
					}
					w.Table([]string{"operator", "arity", "advanced", "description"}, rows)
				})
			})
		},
	}
}

func newQueryTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List filter templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				list, err := eng.Templates(ctx)
				if err != nil {
					return err
				}
				return out.Result(list, func(w *output.Writer) {
					rows := make([][]string, 0, len(list))
					for _, t := range list {
						rows = append(rows, []string{t.Name, query.Shape(t.Expression), t.Description})
					}
					w.Table([]string{"name", "shape", "description"}, rows)
				})
			})
		},
	}
	cmd.AddCommand(newQueryTemplateRunCmd())
	return cmd
}

func newQueryTemplateRunCmd() *cobra.Command {
	var (
		params []string
		run    bool
		flags  runFlags
	)
	cmd := &cobra.Command{
		Use:     "use NAME",
		Short:   "Instantiate a template, optionally executing it",
		Example: `  dicomindex query templates use modality-date-range --param modality=CT --param from=20240101 --param to=20241231 --run`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseParams(params)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				expr, err := eng.InstantiateTemplate(ctx, args[0], values)
				if err != nil {
					return err
				}
				if !run {
					return out.Result(expr, func(w *output.Writer) { w.Line("%s", query.Shape(expr)) })
				}
				req := flags.request(expr)
				resp, err := eng.Execute(ctx, req)
				if err != nil {
					return err
				}
				return out.Result(resp, func(w *output.Writer) { printResponse(w, req.Page, resp) })
			})
		},
	}
	cmd.Flags().StringArrayVar(&params, "param", nil, "Template parameter as key=value")
	cmd.Flags().BoolVar(&run, "run", false, "Execute the instantiated expression")
	flags.register(cmd)
	return cmd
}

func newQueryStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show query shape statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out *output.Writer) error {
				snap, err := eng.QueryStats(ctx)
				if err != nil {
					return err
				}
				return out.Result(snap, func(w *output.Writer) {
					w.KV("queries", snap.TotalQueries, "zero results", fmt.Sprintf("%.1f%%", snap.ZeroResultPercentage()))
					rows := make([][]string, 0, len(snap.TopShapes))
					for _, s := range snap.TopShapes {
						rows = append(rows, []string{s.Shape, strconv.FormatInt(s.Count, 10)})
					}
					if len(rows) > 0 {
						w.Line("")
						w.Table([]string{"shape", "count"}, rows)
					}
				})
			})
		},
	}
}

func printValidation(w *output.Writer, res query.ValidationResult) {
	if res.Valid {
		w.Successf("Valid: depth %d, %d leaves, fields %s", res.Depth, res.Leaves, strings.Join(res.Fields, ","))
		return
	}
	for _, issue := range res.Issues {
		w.Warningf("%s: %s", issue.Path, issue.Message)
	}
}

func printResponse(w *output.Writer, page index.Page, resp *query.Response) {
	w.KV("total", resp.Total, "index version", resp.Version, "cached", yesNo(resp.Cached))
	if len(resp.Records) > 0 {
		w.Line("")
		rows := make([][]string, 0, len(resp.Records))
		for _, r := range resp.Records {
			rows = append(rows, []string{r.ID, formatValues(r.RawValues)})
		}
		w.Table([]string{"record", "values"}, rows)
		if end := page.Offset + len(resp.Records); end < resp.Total {
			w.Line("... %d more, use --offset %d", resp.Total-end, end)
		}
	}
	facets := make([]string, 0, len(resp.Facets))
	for f := range resp.Facets {
		facets = append(facets, f)
	}
	sort.Strings(facets)
	for _, f := range facets {
		w.Line("")
		rows := make([][]string, 0, len(resp.Facets[f]))
		for _, c := range resp.Facets[f] {
			rows = append(rows, []string{c.Value, strconv.Itoa(c.Count)})
		}
		w.Table([]string{f, "count"}, rows)
	}
}

func formatValues(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + values[k]
	}
	return strings.Join(parts, " ")
}
