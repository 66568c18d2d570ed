package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/contextual/internal/backend"
	"github.com/Aman-CERP/contextual/internal/output"
	"github.com/Aman-CERP/contextual/internal/validation"
)

func newValidateCmd() *cobra.Command {
	var (
		top         int
		concurrency int
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "validate <queries.yaml>",
		Short: "Check search quality against expected results",
		Long: `Run every query in a YAML file against the backend and check that an
expected path appears within the top results. Negative queries only need an
answer. Exits non-zero when any query fails.`,
		Example: `  contextual validate testdata/queries.yaml
  contextual validate queries.yaml --top 5 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queries, err := validation.LoadQueries(args[0])
			if err != nil {
				return err
			}

			return withClient(cmd, func(ctx context.Context, client *backend.Client) error {
				v := validation.NewValidator(client,
					validation.WithTop(top),
					validation.WithConcurrency(concurrency))
				report := v.Run(ctx, queries.All())

				out := output.New(cmd.OutOrStdout())
				if jsonOutput {
					if err := out.JSON(report); err != nil {
						return err
					}
				} else {
					printValidation(out, report)
				}
				if !report.Passed() {
					return fmt.Errorf("search validation failed")
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&top, "top", validation.DefaultTop, "Leading results searched for an expected path")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Queries in flight at once")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func printValidation(out *output.Writer, report *validation.Report) {
	for _, r := range report.Results {
		label := r.Spec.ID
		if r.Spec.Name != "" {
			label += " " + r.Spec.Name
		}
		switch {
		case r.Error != "":
			out.Errorf("%s: %s", label, r.Error)
		case r.Passed && r.MatchedAt >= 0:
			out.Successf("%s (rank %d)", label, r.MatchedAt+1)
		case r.Passed:
			out.Successf("%s", label)
		default:
			out.Errorf("%s: expected %v, got %v", label, r.Spec.Expected, r.TopResults)
		}
	}
	out.Newline()
	for _, tier := range []int{1, 2, 0} {
		s, ok := report.Tiers[tier]
		if !ok {
			continue
		}
		name := fmt.Sprintf("tier %d", tier)
		if tier == 0 {
			name = "negative"
		}
		out.KeyValue(name, fmt.Sprintf("%d/%d", s.Pass, s.Total))
	}
}
