package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"

	"tollwarehouse/internal/loader"
	"tollwarehouse/internal/storage"
)

func (a *app) loadCommand() *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a JSONL event file into the warehouse",
		Long: `Load transaction events into the warehouse in two passes: dimensions
first, then facts. Re-loading the same file inserts nothing new.

With --every the load repeats on that interval until interrupted.

Examples:
  tollwh load --kind sqlite --dsn toll.db --source events.jsonl
  tollwh load --config pipeline.yaml --every 5m
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt := &a.cfg.Runtime
			f := cmd.Flags()
			if f.Changed("source") {
				a.cfg.Source.Path, _ = f.GetString("source")
			}
			if f.Changed("batch-size") {
				rt.BatchSize, _ = f.GetInt("batch-size")
			}
			if f.Changed("workers") {
				rt.LoaderWorkers, _ = f.GetInt("workers")
			}
			if f.Changed("lenient") {
				rt.Lenient, _ = f.GetBool("lenient")
			}
			if f.Changed("debug-timings") {
				rt.DebugTimings, _ = f.GetBool("debug-timings")
			}

			if err := a.checkConfig(); err != nil {
				return err
			}
			src := strings.TrimSpace(a.cfg.Source.Path)
			if src == "" {
				return fmt.Errorf("load: no source file (set source.path or --source)")
			}
			if _, err := os.Stat(src); err != nil {
				return fmt.Errorf("load: %w", err)
			}

			ctx := cmd.Context()
			cleanup, err := initMetrics(ctx, a.cfg.Job, a.cfg.Metrics.Backend, a.cfg.Metrics.Tags, a.cfg.Metrics.FlushEvery.Duration)
			if err != nil {
				return err
			}
			defer cleanup()

			repo, err := storage.NewMulti(ctx, storage.MultiConfig{Kind: a.cfg.Storage.Kind, DSN: a.cfg.Storage.DSN})
			if err != nil {
				return fmt.Errorf("open %s: %w", a.cfg.Storage.Kind, err)
			}
			defer repo.Close()

			eng := &loader.Engine{
				Repo:   repo,
				Source: loader.FileSource(src),
				Logger: a.logger,
				Options: loader.Options{
					BatchSize:     rt.BatchSize,
					LoaderWorkers: rt.LoaderWorkers,
					ChannelBuffer: rt.ChannelBuffer,
					DebugTimings:  rt.DebugTimings,
					Lenient:       rt.Lenient,
				},
			}

			if every <= 0 {
				return a.runLoad(ctx, eng)
			}
			return a.runScheduled(ctx, eng, every)
		},
	}

	f := cmd.Flags()
	f.StringP("source", "s", "", "JSONL event file, overrides source.path")
	f.Int("batch-size", 0, "rows per insert batch")
	f.Int("workers", 0, "concurrent fact loaders")
	f.Bool("lenient", false, "skip fact rows rejected by constraints instead of failing")
	f.Bool("debug-timings", false, "log per-batch timings")
	f.DurationVar(&every, "every", 0, "repeat the load on this interval until interrupted")
	return cmd
}

func (a *app) runLoad(ctx context.Context, eng *loader.Engine) error {
	st, err := eng.Run(ctx)
	if err != nil {
		return fmt.Errorf("load run %s: %w", st.RunID, err)
	}
	a.ok("loaded run_id=%s events=%d skipped=%d malformed=%d dimensions=%d facts=%d rejected=%d",
		st.RunID, st.Events, st.Skipped, st.Malformed, st.Dimensions, st.Facts, st.Rejected)
	return nil
}

// runScheduled runs the load immediately and then every interval until ctx
// is done. Failed runs are logged; the schedule keeps going.
func (a *app) runScheduled(ctx context.Context, eng *loader.Engine, every time.Duration) error {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	// mu is held for the whole run so Stop can wait for an in-flight load
	// before the repository is closed.
	var (
		mu      sync.Mutex
		stopped bool
	)
	_, err := s.Every(every).Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}
		if err := a.runLoad(ctx, eng); err != nil {
			a.logger.Printf("stage=scheduled_load status=error err=%v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("load: schedule: %w", err)
	}

	a.logger.Printf("stage=scheduler start every=%s", every)
	s.StartAsync()
	<-ctx.Done()
	s.Stop()
	mu.Lock()
	stopped = true
	mu.Unlock()
	a.logger.Printf("stage=scheduler stopped")
	return nil
}
