package cmd

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mathewab/actual-assist-sub002/internal/archive"
	"github.com/mathewab/actual-assist-sub002/internal/audit"
	"github.com/mathewab/actual-assist-sub002/internal/config"
	"github.com/mathewab/actual-assist-sub002/internal/observability"
	"github.com/mathewab/actual-assist-sub002/internal/server"
	"github.com/mathewab/actual-assist-sub002/internal/store"
	"github.com/mathewab/actual-assist-sub002/pkg/ai"
	"github.com/mathewab/actual-assist-sub002/pkg/ai/openai"
	"github.com/mathewab/actual-assist-sub002/pkg/budget/rest"
	"github.com/mathewab/actual-assist-sub002/pkg/jobs"
	"github.com/mathewab/actual-assist-sub002/pkg/orchestrator"
	"github.com/mathewab/actual-assist-sub002/pkg/payeemerge"
	"github.com/mathewab/actual-assist-sub002/pkg/snapshot"
	"github.com/mathewab/actual-assist-sub002/pkg/suggest"
	"github.com/mathewab/actual-assist-sub002/pkg/syncer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and background workers",
	Long: `Start the API server, the job orchestrator, and the timeout sweeper.

The process shuts down gracefully on SIGINT or SIGTERM, draining in-flight
requests up to the configured shutdown timeout.

Example:
  actual-assist serve
  actual-assist serve --config /etc/actual-assist/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	deps, err := buildPipeline(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	sweeper := orchestrator.NewSweeper(deps.Jobs, cfg.Sweeper.Timeout, cfg.Sweeper.Interval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, deps)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	db, err := store.Open(ctx, store.Config{Path: cfg.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// buildPipeline wires every service behind the HTTP layer.
func buildPipeline(ctx context.Context, cfg *config.Config, db *sql.DB, logger *zap.Logger) (server.Deps, error) {
	client, err := rest.New(rest.Config{
		BaseURL: cfg.Budget.BaseURL,
		APIKey:  cfg.Budget.APIKey,
	})
	if err != nil {
		return server.Deps{}, err
	}

	// The AI fallback is optional; without a key, suggestions come from
	// fuzzy history matching alone.
	var provider ai.Provider
	if cfg.OpenAI.APIKey != "" {
		c, err := openai.New(openai.Config{
			BaseURL:           cfg.OpenAI.BaseURL,
			APIKey:            cfg.OpenAI.APIKey,
			Model:             cfg.OpenAI.Model,
			RequestsPerMinute: cfg.OpenAI.RequestsPerMinute,
		})
		if err != nil {
			return server.Deps{}, err
		}
		provider = c
		logger.Info("ai provider enabled", zap.String("model", cfg.OpenAI.Model))
	} else {
		logger.Info("ai provider disabled, fuzzy matching only")
	}

	jobSvc := jobs.NewService(db, jobs.NewBus(64), logger)
	suggestions := suggest.NewService(db, provider, logger)
	recorder := audit.NewRecorder(db, logger)
	planner := syncer.NewPlanner(db, logger)
	executor := syncer.NewExecutor(client, suggestions, recorder, logger)
	merger := payeemerge.NewEngine(db, client, logger)
	snapshots := snapshot.NewService(db, client, logger)

	var archiver orchestrator.Archiver
	if cfg.Archive.Bucket != "" {
		exp, err := archive.New(ctx, archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, logger)
		if err != nil {
			return server.Deps{}, err
		}
		archiver = exp
		logger.Info("job archival enabled", zap.String("bucket", cfg.Archive.Bucket))
	}

	orch := orchestrator.New(orchestrator.Config{
		Jobs:        jobSvc,
		Snapshots:   snapshots,
		Suggestions: suggestions,
		Planner:     planner,
		Executor:    executor,
		Merger:      merger,
		Recorder:    recorder,
		Archiver:    archiver,
		Logger:      logger,
	})

	return server.Deps{
		DB:           db,
		Jobs:         jobSvc,
		Orchestrator: orch,
		Suggestions:  suggestions,
		Planner:      planner,
		Executor:     executor,
		Plans:        syncer.NewRegistry(),
		Merger:       merger,
		Recorder:     recorder,
		Logger:       logger,
	}, nil
}
