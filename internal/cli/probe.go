package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"tollwarehouse/internal/loader"
)

func (a *app) probeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <events.jsonl>",
		Short: "Summarize an event file without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("probe: %w", err)
			}
			defer f.Close()

			p, err := loader.ProfileEvents(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("probe %s: %w", args[0], err)
			}

			row := func(label string, format string, v ...any) {
				fmt.Fprintf(a.stdout, "%-22s %s\n", label, fmt.Sprintf(format, v...))
			}
			row("lines", "%d", p.Lines)
			row("transaction_events", "%d", p.Events)
			row("other_events", "%d", p.Skipped)
			row("malformed", "%d (invalid events %d)", p.Malformed, p.Invalid)
			if p.Events > 0 {
				row("transaction_ids", "%d..%d", p.MinTransactionID, p.MaxTransactionID)
			}
			if !p.First.IsZero() {
				row("time_range", "%s .. %s", p.First.Format(time.RFC3339), p.Last.Format(time.RFC3339))
			}
			row("plazas", "%d", p.Plazas)
			row("vehicles", "%d", p.Vehicles)
			row("payment_methods", "%d", p.PaymentMethods)
			row("days", "%d", p.Days)
			row("total_fee", "%s", p.TotalFee.StringFixed(2))
			return nil
		},
	}
}
