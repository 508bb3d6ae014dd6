package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tollwarehouse/internal/storage"
	"tollwarehouse/internal/warehouse"
)

func (a *app) schemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create or print the warehouse tables",
	}

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Create missing warehouse tables (safe to re-run)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, closeFn, err := a.openWarehouse(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := w.Init(cmd.Context()); err != nil {
				return err
			}
			a.ok("schema applied (%s, %d tables)", a.cfg.Storage.Kind, len(warehouse.Tables()))
			return nil
		},
	}

	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the DDL for a backend (--kind) without connecting",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			kind := a.cfg.Storage.Kind
			if kind == "" {
				return fmt.Errorf("schema print: --kind is required (one of %s)", strings.Join(storage.Kinds(), ", "))
			}
			stmts, err := storage.CreateStatements(kind, warehouse.Tables())
			if err != nil {
				return err
			}
			for _, s := range stmts {
				if !strings.HasSuffix(s, ";") {
					s += ";"
				}
				fmt.Fprintln(a.stdout, s)
			}
			return nil
		},
	}
	cmd.AddCommand(apply, printCmd)
	return cmd
}
