package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/llmgate/llmgate/internal/pricing"
)

func newPricingCmd() *cobra.Command {
	var (
		model  string
		input  int64
		output int64
	)

	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Show the pricing table or price a single call",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Pricing.ProfitMargin.IsNegative() {
				return fmt.Errorf("PRICING_PROFIT_MARGIN must not be negative")
			}

			// A one-shot command never needs the file watcher.
			cfg.Pricing.Watch = false
			source, closePrices, err := openPrices(cfg.Pricing)
			if err != nil {
				return err
			}
			defer closePrices()
			table := source.Current()

			if model == "" {
				return writePriceTable(cmd.OutOrStdout(), table)
			}
			return writeQuote(cmd.OutOrStdout(), table, model, input, output)
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "price a call to this model instead of listing the table")
	cmd.Flags().Int64Var(&input, "input", 0, "input (prompt) tokens")
	cmd.Flags().Int64Var(&output, "output", 0, "output (completion) tokens")

	return cmd
}

func writePriceTable(w io.Writer, table *pricing.Table) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tINPUT $/1M\tOUTPUT $/1M")
	for _, m := range table.Models() {
		p, _ := table.Lookup(m)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m, p.InputPerMillion.String(), p.OutputPerMillion.String())
	}
	fmt.Fprintf(tw, "\nprofit margin: %s\n", table.Margin().String())
	return tw.Flush()
}

func writeQuote(w io.Writer, table *pricing.Table, model string, input, output int64) error {
	if input < 0 || output < 0 {
		return fmt.Errorf("token counts must not be negative")
	}
	cost, known := table.Cost(model, input, output)
	note := ""
	if !known {
		note = " (no price for " + strings.ToLower(model) + ", billed at zero)"
	}
	_, err := fmt.Fprintf(w, "%s: %d input + %d output tokens = %s%s\n", model, input, output, cost.StringFixed(pricing.CostPlaces), note)
	return err
}
