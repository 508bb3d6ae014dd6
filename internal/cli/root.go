// Package cli implements the tollwh command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"tollwarehouse/internal/config"
	"tollwarehouse/internal/storage"
	"tollwarehouse/internal/warehouse"

	// register all backends with the storage factory.
	_ "tollwarehouse/internal/storage/all"
)

var (
	green  = color.New(color.FgGreen, color.Bold)
	yellow = color.New(color.FgYellow, color.Bold)
	red    = color.New(color.FgRed, color.Bold)
)

// errSilent marks a failure whose details were already printed.
var errSilent = errors.New("failed")

type app struct {
	stdout, stderr io.Writer
	logger         *log.Logger

	cfgPath string
	envFile string
	kind    string
	dsn     string

	cfg config.Pipeline
}

// Execute runs tollwh with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errSilent) {
			red.Fprint(stderr, "✗ ")
			fmt.Fprintln(stderr, err)
		}
		return 1
	}
	return 0
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		stdout: stdout,
		stderr: stderr,
		logger: log.New(stderr, "", log.LstdFlags),
	}

	root := &cobra.Command{
		Use:   "tollwh",
		Short: "Toll transaction warehouse: schema, simulation and ETL",
		Long: `tollwh manages a star-schema warehouse of toll plaza transactions.

Examples:

  tollwh schema apply --kind sqlite --dsn toll.db
  tollwh simulate --out events.jsonl
  tollwh load --config pipeline.yaml --source events.jsonl
  tollwh query transaction 42
  tollwh check
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgPath, "config", "c", "", "pipeline config (.json, .yaml)")
	pf.StringVar(&a.envFile, "env-file", ".env", "env file loaded before the config; missing files are ignored")
	pf.StringVar(&a.kind, "kind", "", "storage kind, overrides storage.kind ("+strings.Join(config.StorageKinds, ", ")+")")
	pf.StringVar(&a.dsn, "dsn", "", "storage DSN, overrides storage.dsn")

	root.AddCommand(
		a.schemaCommand(),
		a.simulateCommand(),
		a.loadCommand(),
		a.queryCommand(),
		a.checkCommand(),
		a.validateCommand(),
		a.probeCommand(),
	)
	return root
}

// loadConfig resolves configuration: env file, then config file (or
// defaults), then command line overrides.
func (a *app) loadConfig() error {
	if a.envFile != "" {
		if err := config.LoadEnv(a.envFile); err != nil {
			return err
		}
	}

	if a.cfgPath != "" {
		p, err := config.Load(a.cfgPath)
		if err != nil {
			return err
		}
		a.cfg = p
	} else {
		a.cfg = config.Default()
		a.cfg.ApplyEnv()
	}

	if a.kind != "" {
		a.cfg.Storage.Kind = strings.ToLower(strings.TrimSpace(a.kind))
	}
	if a.dsn != "" {
		a.cfg.Storage.DSN = a.dsn
	}
	return nil
}

// checkConfig prints validation issues whose path starts with one of
// prefixes (all issues when none are given) and fails on errors.
func (a *app) checkConfig(prefixes ...string) error {
	var issues []config.Issue
	for _, iss := range config.ValidatePipeline(a.cfg) {
		if len(prefixes) > 0 && !hasAnyPrefix(iss.Path, prefixes) {
			continue
		}
		issues = append(issues, iss)
		c := yellow
		if iss.Severity == config.SeverityError {
			c = red
		}
		c.Fprintf(a.stderr, "%s: ", iss.Severity)
		fmt.Fprintf(a.stderr, "%s: %s\n", iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("invalid configuration")
	}
	return nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// openWarehouse validates storage settings and connects.
func (a *app) openWarehouse(ctx context.Context) (*warehouse.Warehouse, func(), error) {
	if err := a.checkConfig("storage."); err != nil {
		return nil, nil, err
	}
	repo, err := storage.NewMulti(ctx, storage.MultiConfig{Kind: a.cfg.Storage.Kind, DSN: a.cfg.Storage.DSN})
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", a.cfg.Storage.Kind, err)
	}
	return warehouse.New(repo), repo.Close, nil
}

func (a *app) ok(format string, args ...any) {
	green.Fprint(a.stdout, "✓ ")
	fmt.Fprintf(a.stdout, format+"\n", args...)
}
