package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report fact rows whose dimension keys have no matching row",
		Long: `Check referential integrity of fact_transactions. Exits non-zero when a
non-null foreign key points at a missing dimension row.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, closeFn, err := a.openWarehouse(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			orphans, err := w.Orphans(cmd.Context())
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				a.ok("no orphaned fact rows")
				return nil
			}
			for _, o := range orphans {
				red.Fprint(a.stdout, "✗ ")
				fmt.Fprintf(a.stdout, "%d fact rows reference missing %s via %s\n", o.Count, o.Table, o.Column)
			}
			return errSilent
		},
	}
}

func (a *app) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := a.checkConfig(); err != nil {
				return err
			}
			a.ok("configuration is valid")
			return nil
		},
	}
}
