package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamim/copyforge/internal/api"
	"github.com/lamim/copyforge/internal/backoff"
	"github.com/lamim/copyforge/internal/breaker"
	"github.com/lamim/copyforge/internal/checkpoint"
	"github.com/lamim/copyforge/internal/config"
	"github.com/lamim/copyforge/internal/metrics"
	"github.com/lamim/copyforge/internal/orchestrator"
	"github.com/lamim/copyforge/internal/prompt"
	"github.com/lamim/copyforge/internal/records"
	"github.com/lamim/copyforge/internal/report"
	"github.com/lamim/copyforge/internal/router"
	"github.com/lamim/copyforge/internal/status"
	"github.com/lamim/copyforge/internal/uniqueness"
	"github.com/lamim/copyforge/internal/validator"
	"github.com/lamim/copyforge/internal/writer"
)

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// loadConfig reads the env file and the config. A missing default .env is fine,
// a missing file passed with --env-file is not.
func loadConfig(cmd *cobra.Command) (*config.Config, *config.Secrets, error) {
	if err := config.LoadEnvFile(envFile, cmd.Flags().Changed("env-file")); err != nil {
		return nil, nil, err
	}
	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, secrets, nil
}

// applyOverrides copies explicitly set flags over the config and revalidates
func applyOverrides(cmd *cobra.Command, cfg *config.Config, flags *runFlags) error {
	changed := cmd.Flags().Changed
	if changed("concurrency") {
		cfg.Run.Concurrency = flags.concurrency
	}
	if changed("limit") {
		cfg.Run.Limit = flags.limit
	}
	if changed("status-addr") {
		cfg.Status.Addr = flags.statusAddr
	}
	if flags.resume && flags.force {
		return errors.New("--resume and --force cannot be combined")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func runGeneration(cmd *cobra.Command, flags *runFlags) error {
	cfg, secrets, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyOverrides(cmd, cfg, flags); err != nil {
		return err
	}
	if err := cfg.CheckCredentials(secrets); err != nil {
		return err
	}

	sessionMgr, err := writer.NewSessionManager(cfg.Run.OutputDir, flags.session, nil)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	logger, logFile, err := writer.SetupLogger(sessionMgr, logLevel())
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Sync()
			_ = logFile.Close()
		}
	}()

	runID := report.NewRunID()
	logger.Info("CopyForge starting",
		"version", Version,
		"run_id", runID,
		"config", configPath,
		"session_dir", sessionMgr.GetSessionDir(),
		"dry_run", flags.dryRun)

	if err := sessionMgr.BackupConfig(configPath); err != nil {
		return fmt.Errorf("failed to backup config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Cleanup runs after a stop request and must still complete
	cleanupCtx := context.WithoutCancel(ctx)

	collector := metrics.NewCollector()

	source, err := records.Open(ctx, cfg.Source, logger)
	if err != nil {
		return fmt.Errorf("failed to open record source: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Error("Failed to close record source", "error", err)
		}
	}()

	ckpt, err := openCheckpoint(ctx, cfg, runID, flags.dryRun, logger, collector)
	if err != nil {
		return err
	}
	defer func() {
		if err := ckpt.Close(cleanupCtx); err != nil {
			logger.Error("Failed to close checkpoint", "error", err)
		}
	}()

	guard, err := openGuard(ctx, cfg.Uniqueness, flags.dryRun, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := guard.Close(cleanupCtx); err != nil {
			logger.Error("Failed to close fingerprint store", "error", err)
		}
	}()

	v, err := validator.New(cfg.Validation)
	if err != nil {
		return fmt.Errorf("failed to build validator: %w", err)
	}
	prompts, err := prompt.New(cfg.PromptTemplates, cfg.Validation)
	if err != nil {
		return fmt.Errorf("failed to build prompts: %w", err)
	}

	breakers := breaker.New(cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.CooldownSeconds)*time.Second,
		breaker.WithLogger(logger),
		breaker.WithObserver(collector))
	exec := backoff.New(backoff.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay(),
		MaxDelay:       cfg.Retry.MaxDelay(),
		Jitter:         max(cfg.Retry.Jitter, 0),
		AttemptTimeout: cfg.Retry.CallTimeout(),
	})
	clients := api.NewClients(cfg.EnabledProviders(), secrets, api.NewRateLimiterPool(logger), logger, collector)
	rt := router.New(clients, breakers, exec, logger, collector)
	logger.Info("Providers configured", "priority", rt.Providers())

	var preview *writer.JSONLWriter
	if flags.dryRun {
		preview, err = writer.NewJSONLWriter(sessionMgr.GetPreviewPath(), true, logger)
		if err != nil {
			return fmt.Errorf("failed to create preview file: %w", err)
		}
		defer func() {
			if err := preview.Close(); err != nil {
				logger.Error("Failed to close preview file", "error", err)
			}
		}()
	}

	reporter := report.New(runID)

	if cfg.Status.Addr != "" {
		statusCtx, stopStatus := context.WithCancel(cleanupCtx)
		defer stopStatus()
		srv := status.New(status.Sources{
			Run:        reporter,
			Providers:  breakers,
			Checkpoint: ckpt,
		}, time.Duration(cfg.Status.BroadcastIntervalMS)*time.Millisecond, logger)
		errCh, err := srv.ListenAndServe(statusCtx, cfg.Status.Addr)
		if err != nil {
			return err
		}
		go func() {
			if err := <-errCh; err != nil {
				logger.Error("Status server failed", "error", err)
			}
		}()
	}

	orch := orchestrator.New(orchestrator.Deps{
		Source:      source,
		Writer:      source,
		Preview:     preview,
		Eligibility: records.NewEligibility(cfg.Source),
		Checkpoint:  ckpt,
		Generator:   rt,
		Prompts:     prompts,
		Validator:   v,
		Guard:       guard,
		Reporter:    reporter,
		Metrics:     collector,
	}, orchestrator.Options{
		Concurrency:   cfg.Run.Concurrency,
		PageSize:      cfg.Run.PageSize,
		Limit:         cfg.Run.Limit,
		ScanFactor:    cfg.Run.ScanFactor,
		Resume:        flags.resume,
		Force:         flags.force,
		DryRun:        flags.dryRun,
		OnlyID:        flags.onlyID,
		ShutdownGrace: time.Duration(cfg.Run.ShutdownGraceSeconds) * time.Second,
		FlushInterval: time.Duration(cfg.Checkpoint.FlushIntervalSeconds) * time.Second,
		ShowProgress:  flags.progress,
	}, logger)

	runErr := orch.Run(ctx)

	if err := reporter.WriteJSON(sessionMgr.GetReportPath(), breakers.Snapshot()); err != nil {
		logger.Error("Failed to write run report", "error", err)
	}
	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	if ctx.Err() != nil {
		logger.Warn("Run interrupted, continue with --resume", "session_dir", sessionMgr.GetSessionDir())
		return nil
	}

	logger.Info("Run complete", "session_dir", sessionMgr.GetSessionDir())
	return nil
}

func openCheckpoint(ctx context.Context, cfg *config.Config, runID string, readOnly bool, logger *slog.Logger, recorder checkpoint.FlushRecorder) (*checkpoint.Manager, error) {
	backend, err := checkpoint.OpenBackend(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	mgr := checkpoint.NewManager(backend, checkpoint.Options{
		RunID:         runID,
		ConfigHash:    cfg.Hash(),
		FlushEvery:    cfg.Checkpoint.FlushEvery,
		FlushInterval: time.Duration(cfg.Checkpoint.FlushIntervalSeconds) * time.Second,
		ReadOnly:      readOnly,
	}, logger, recorder)
	if err := mgr.Load(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := checkpoint.CheckCompatibility(mgr.PreviousConfigHash(), cfg.Hash()); err != nil {
		logger.Warn("Generation settings changed since the checkpoint was written", "error", err)
	}
	logger.Info("Checkpoint loaded", "backend", cfg.Checkpoint.Backend, "entries", mgr.Len())
	mgr.Start()
	return mgr, nil
}

func openGuard(ctx context.Context, cfg config.UniquenessConfig, readOnly bool, logger *slog.Logger) (*uniqueness.Guard, error) {
	var store uniqueness.Store
	switch cfg.Store {
	case "redis":
		rs, err := uniqueness.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisKey)
		if err != nil {
			return nil, fmt.Errorf("failed to connect fingerprint store: %w", err)
		}
		store = rs
	default:
		store = uniqueness.NewFileStore(cfg.Path)
	}
	if readOnly {
		store = uniqueness.ReadOnlyStore{Store: store}
	}

	guard := uniqueness.NewGuard(store, uniqueness.Options{
		MinSentenceWords: cfg.MinSentenceWords,
		ShingleSize:      cfg.ShingleSize,
		WindowSize:       cfg.WindowSize,
		Threshold:        cfg.SimilarityThreshold,
	}, logger)
	if err := guard.Load(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load fingerprints: %w", err)
	}
	logger.Info("Fingerprints loaded", "store", cfg.Store, "count", guard.Size())
	return guard, nil
}
