package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taskorch/internal/kernel"
)

// newUsageCmd creates the "taskorch usage" subcommand.
func newUsageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show token and cost totals of a namespace",
		Long:  "Reads the usage counters the engine exports back from the Prometheus server\nconfigured as metrics.prometheus_url.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				total, byModel, err := e.Usage(cmd.Context(), e.Config.Namespace)
				if err != nil {
					return fmt.Errorf("usage: %w", err)
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), map[string]any{"total": total, "by_model": byModel})
				}

				models := make([]string, 0, len(byModel))
				for m := range byModel {
					models = append(models, m)
				}
				sort.Strings(models)

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "MODEL\tPROMPT\tCOMPLETION\tTOTAL\tCOST (USD)")
				for _, m := range models {
					u := byModel[m]
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f\n", m, u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.TotalCost)
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f\n", "total", total.PromptTokens, total.CompletionTokens, total.TotalTokens, total.TotalCost)
				return tw.Flush()
			})
		},
	}
}
