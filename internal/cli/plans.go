package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sparlo/usage/internal/app"
	"github.com/sparlo/usage/internal/module/billing/plan"
)

func newPlansCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "Validate and print the price table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			resolver, err := plan.NewResolver(app.PlanTable(cfg.Billing.Plans))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCATEGORY\tTOKENS\tREPORTS\tPRICES")
			for _, p := range resolver.Plans() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", p.ID, p.Category, p.TokenLimit, p.ReportLimit, strings.Join(p.PriceIDs, ","))
			}
			return w.Flush()
		},
	}
}
