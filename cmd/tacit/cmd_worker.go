package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tacit/internal/budget"
	"tacit/internal/config"
	"tacit/internal/embedding"
	"tacit/internal/learning"
	"tacit/internal/llm"
	"tacit/internal/publish"
	"tacit/internal/queue"
	"tacit/internal/sanitize"
	"tacit/internal/store"
	"tacit/internal/telemetry"
	"tacit/internal/validator"
	"tacit/internal/worker"
)

// workerCmd runs the background pipeline: stage-2 validation, learning
// extraction, publishing, and telemetry pruning.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker until interrupted",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.EnsureLedger(
		cfg.Budget.DailyLimitCents,
		cfg.Budget.MonthlyLimitCents,
		cfg.Budget.PerOperationLimitCents,
	); err != nil {
		return err
	}

	tel := telemetry.NewLogger(logger, s)
	defer tel.Close()

	pricing, err := budget.LoadPricing(cfg.Budget.PricingPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load pricing: %w", err)
	}
	if err := pricing.Watch(); err != nil {
		logger.Warn("pricing hot-reload disabled", zap.Error(err))
	}
	defer pricing.Close()

	gov := budget.NewGovernor(s, pricing, logger)
	gov.OnThreshold(func(percent int, ledger *store.BudgetLedger) {
		tel.Warn(context.Background(), "budget_threshold", map[string]any{
			"percent": percent,
			"cents":   ledger.CurrentDailySpendCents,
		})
	})

	oracle, err := buildOracle(cmd.Context())
	if err != nil {
		return err
	}
	engine, err := buildEngine(cmd.Context())
	if err != nil {
		return err
	}

	q := queue.New(s)
	lease := time.Duration(cfg.Worker.LeaseSeconds) * time.Second
	pool := worker.NewPool(q, logger,
		worker.WithPollInterval(config.ParseDuration(cfg.Worker.PollInterval, time.Second)),
		worker.WithStopGrace(config.ParseDuration(cfg.Worker.ShutdownGrace, 30*time.Second)),
	)

	v := validator.New(s, oracle, gov, tel, int32(cfg.LLM.MaxOutput))
	pool.Register(queue.TypeValidate, v.Handle, lease, cfg.Worker.Concurrency)

	ex := learning.New(s, oracle, engine, gov, tel)
	pool.Register(queue.TypeLearn, ex.Handle, lease, cfg.Worker.Concurrency)

	if cfg.Publish.GatewayURL != "" {
		pub := publish.New(s, publish.NewHTTPUploader(cfg.Publish.GatewayURL), sanitize.New(), tel)
		pool.Register(queue.TypePublish, pub.Handle, lease, 1)
	} else {
		logger.Info("publishing disabled, no gateway configured")
	}

	pool.Register(queue.TypePrune, pruneHandler(s, q, tel), lease, 1)
	if err := schedulePrune(cmd.Context(), q, time.Now()); err != nil {
		return err
	}

	if err := pool.Start(); err != nil {
		return err
	}
	logger.Info("worker started",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Duration("lease", lease))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("worker stopping")
	pool.Stop()
	return nil
}

// pruneHandler deletes telemetry past retention, compacts when enough
// was removed, and schedules the next run.
func pruneHandler(s *store.Store, q *queue.Queue, tel *telemetry.Logger) worker.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		retention := time.Duration(cfg.Telemetry.RetentionDays) * 24 * time.Hour
		res, err := telemetry.Prune(ctx, s, retention, cfg.Telemetry.PruneBatch)
		if err != nil {
			return err
		}
		tel.Info(ctx, "prune_complete", map[string]any{
			"count": res.Removed,
		})
		return schedulePrune(ctx, q, time.Now().Add(24*time.Hour))
	}
}

// schedulePrune queues at most one prune job per UTC day.
func schedulePrune(ctx context.Context, q *queue.Queue, at time.Time) error {
	_, err := q.Enqueue(ctx, &queue.Job{
		Type:           queue.TypePrune,
		ScheduledAt:    store.FormatTime(at.UTC()),
		IdempotencyKey: "prune-" + at.UTC().Format("2006-01-02"),
	})
	return err
}

func buildOracle(ctx context.Context) (llm.Oracle, error) {
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("llm.api_key (or GEMINI_API_KEY) is required for the worker")
	}
	inner, err := llm.NewGenAIOracle(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	return llm.NewReliableOracle(inner), nil
}

func buildEngine(ctx context.Context) (embedding.Engine, error) {
	if cfg.Embedding.Provider != "genai" {
		return embedding.LocalEngine{}, nil
	}
	key := cfg.Embedding.APIKey
	if key == "" {
		key = cfg.LLM.APIKey
	}
	return embedding.NewGenAIEngine(ctx, key, cfg.Embedding.Model)
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
