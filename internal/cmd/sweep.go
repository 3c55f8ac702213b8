package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mathewab/actual-assist-sub002/internal/config"
	"github.com/mathewab/actual-assist-sub002/internal/observability"
	"github.com/mathewab/actual-assist-sub002/pkg/jobs"
	"github.com/mathewab/actual-assist-sub002/pkg/orchestrator"
)

var sweepTimeout time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail jobs stuck past the timeout, once",
	Long: `Run a single timeout sweep against the store and exit.

Useful for cron-style maintenance on a store no server is currently
attached to. The serve command runs the same sweep periodically.

Example:
  actual-assist sweep
  actual-assist sweep --timeout 30m`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().DurationVar(&sweepTimeout, "timeout", 0, "Override the configured job timeout")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	timeout := cfg.Sweeper.Timeout
	if sweepTimeout > 0 {
		timeout = sweepTimeout
	}

	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	jobSvc := jobs.NewService(db, nil, logger)
	sweeper := orchestrator.NewSweeper(jobSvc, timeout, cfg.Sweeper.Interval, logger)

	failed, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Swept %d timed-out job(s).\n", failed)
	return nil
}
