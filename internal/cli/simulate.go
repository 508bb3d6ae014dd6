package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"tollwarehouse/internal/simulation"
)

func (a *app) simulateCommand() *cobra.Command {
	var (
		out     string
		firstID int64
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the toll plaza simulation and write transaction events as JSONL",
		Long: `Simulate traffic through a toll plaza and write one transaction_event per
processed vehicle. Flags override the simulation section of the config.

Examples:
  tollwh simulate --out events.jsonl
  tollwh simulate --booths 5 --rate 600 --duration 2h --seed 7 --out -
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := &a.cfg.Simulation
			f := cmd.Flags()
			if f.Changed("booths") {
				s.Booths, _ = f.GetInt("booths")
			}
			if f.Changed("rate") {
				s.VehiclesPerHour, _ = f.GetFloat64("rate")
			}
			if f.Changed("duration") {
				s.Duration.Duration, _ = f.GetDuration("duration")
			}
			if f.Changed("seed") {
				s.Seed, _ = f.GetUint64("seed")
			}
			if f.Changed("start") {
				s.Start, _ = f.GetString("start")
			}
			if err := a.checkConfig("simulation."); err != nil {
				return err
			}

			opts, err := simulation.OptionsFromConfig(*s, time.Now().UTC())
			if err != nil {
				return err
			}
			opts.FirstTransactionID = firstID

			var w io.Writer = a.stdout
			if out != "-" {
				file, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("simulate: %w", err)
				}
				defer file.Close()
				w = file
			}

			sink := simulation.NewJSONLWriter(w)
			sim := &simulation.Simulator{Options: opts, Sink: sink, Logger: a.logger}
			st, err := sim.Run(cmd.Context())
			if err != nil {
				return err
			}
			if err := sink.Flush(); err != nil {
				return fmt.Errorf("simulate: %w", err)
			}

			// stdout may carry the events; report on stderr.
			green.Fprint(a.stderr, "✓ ")
			fmt.Fprintf(a.stderr, "simulated %s: arrived=%d processed=%d avg_wait=%.2fs remaining=%d out=%s\n",
				opts.Duration, st.Arrived, st.Processed, st.AverageWait().Seconds(), st.Remaining+st.InService, out)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", "simulation_events.jsonl", "output file, - for stdout")
	f.Int("booths", 0, "number of toll booths")
	f.Float64("rate", 0, "average vehicles per hour")
	f.Duration("duration", 0, "simulated time span")
	f.Uint64("seed", 0, "random seed")
	f.String("start", "", "wall-clock time of simulation start (RFC3339, default now)")
	f.Int64Var(&firstID, "first-id", 1, "first transaction id")
	return cmd
}
