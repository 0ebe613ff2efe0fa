package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/compaction"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/llm/providers"
	"github.com/haasonsaas/conductor/internal/memory"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/prompts"
	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/internal/tools"
)

const defaultConfigPath = "conductor.yaml"

// resolveConfigPath prefers an explicit flag, then CONDUCTOR_CONFIG.
func resolveConfigPath(path string) string {
	if path != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("CONDUCTOR_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

// loadConfig reads the config file. A missing default file yields the
// built-in defaults so the CLI works without one.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger installs the configured logger as the process default.
func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	return logger
}

func openStores(ctx context.Context, cfg config.StorageConfig) (storage.StoreSet, error) {
	if strings.EqualFold(cfg.Driver, "memory") {
		return storage.NewMemoryStores(), nil
	}
	sqlConfig := storage.DefaultSQLConfig()
	if cfg.MaxOpenConns > 0 {
		sqlConfig.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		sqlConfig.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlConfig.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	return storage.OpenSQL(ctx, cfg.Driver, cfg.DSN, sqlConfig)
}

// buildCaller assembles the provider chain: the default provider first, then
// failover_order, wrapped in the per-user quota guard. It also returns the
// default provider's model.
func buildCaller(cfg config.LLMConfig, logger *slog.Logger) (llm.Caller, string, error) {
	if len(cfg.Providers) == 0 {
		return nil, "", errors.New("no llm providers configured")
	}

	order := append([]string{cfg.DefaultProvider}, cfg.FailoverOrder...)
	seen := make(map[string]bool, len(order))
	var chain []llm.Named
	for _, name := range order {
		if seen[name] {
			continue
		}
		seen[name] = true
		pc, ok := cfg.Providers[name]
		if !ok {
			return nil, "", fmt.Errorf("llm provider %q is not configured", name)
		}
		caller, err := providers.New(providers.Config{
			Kind:    pc.Kind,
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, "", fmt.Errorf("llm provider %q: %w", name, err)
		}
		chain = append(chain, llm.Named{Name: name, Caller: caller})
	}

	var caller llm.Caller = llm.NewFailover(chain, cfg.MaxRetries, cfg.RetryDelay, logger)
	if cfg.DailyTokenQuota > 0 {
		caller = llm.NewQuotaGuard(caller, cfg.DailyTokenQuota)
	}
	return caller, cfg.Providers[cfg.DefaultProvider].Model, nil
}

func compactionBudget(cfg config.CompactionConfig) compaction.Budget {
	return compaction.Budget{
		MaxContext:       cfg.MaxContext,
		MaxOutputReserve: cfg.MaxOutputReserve,
		SafetyMargin:     cfg.SafetyMargin,
		Ratio:            cfg.Ratio,
		HistoryRatio:     cfg.HistoryRatio,
	}
}

func memoryConfig(cfg config.MemoryConfig) memory.Config {
	mc := memory.DefaultConfig()
	mc.EnabledByDefault = cfg.EnabledByDefault
	mc.Model = cfg.Model
	mc.HistorySize = cfg.HistorySize
	mc.PromptMaxTokens = cfg.PromptMaxTokens
	mc.SummaryMaxTokens = cfg.SummaryMaxTokens
	mc.MaxFacts = cfg.MaxFacts
	mc.Retention = cfg.Retention
	mc.RetentionSchedule = cfg.RetentionSchedule
	return mc
}

// app is the fully wired process.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	stores       storage.StoreSet
	metrics      *observability.Metrics
	prompts      *prompts.Store
	queue        *memory.Queue
	orchestrator *agent.Orchestrator
	auth         *auth.Service

	shutdownTracer func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	caller, model, err := buildCaller(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	stores, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		stores:  stores,
		metrics: observability.NewMetrics(),
		prompts: prompts.NewStore(cfg.Prompts.Dir, logger),
		auth: auth.NewService(auth.Config{
			JWTSecret: cfg.Auth.JWTSecret,
			Issuer:    cfg.Auth.Issuer,
		}),
	}

	tracer, shutdown := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	a.shutdownTracer = shutdown

	if cfg.Prompts.Watch {
		if err := a.prompts.Watch(ctx); err != nil {
			logger.Warn("prompt watch unavailable", "dir", cfg.Prompts.Dir, "error", err)
		}
	}

	history := sessions.NewHistoryManager(stores.Messages, logger)

	registry := tools.NewRegistry(tools.Config{Timeout: cfg.Tools.Timeout}, stores.Artifacts, a.metrics, logger)
	if err := tools.RegisterBuiltins(registry, cfg.Tools.Workspace, cfg.Tools.MaxReadBytes); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("register tools: %w", err)
	}

	budget := compactionBudget(cfg.Compaction)
	deps := agent.Deps{
		LLM:       caller,
		History:   history,
		Tools:     registry,
		Prompts:   a.prompts,
		Admission: agent.NewAdmission(sessions.NewLockManager(), cfg.Server.MaxConcurrent, cfg.Server.QueueTimeout),
		Metrics:   a.metrics,
		Tracer:    tracer,
		Logger:    logger,
	}
	if cfg.Compaction.IsEnabled() {
		deps.Compactor = compaction.New(caller, history, compaction.Config{
			Budget:           budget,
			SummaryMaxTokens: cfg.Compaction.SummaryMaxTokens,
			FallbackSummary:  cfg.Compaction.FallbackSummary,
			ArtifactLimit:    cfg.Compaction.ArtifactLimit,
		},
			compaction.WithArtifacts(stores.Artifacts),
			compaction.WithPrompts(a.prompts),
			compaction.WithLogger(logger))
	}
	if cfg.Memory.Enabled {
		a.queue = memory.NewQueue(caller, stores.Memories, memoryConfig(cfg.Memory),
			memory.WithHistoryLoader(history),
			memory.WithTaskLog(stores.Tasks),
			memory.WithPreferences(stores.Preferences),
			memory.WithPrompts(a.prompts),
			memory.WithMetrics(a.metrics),
			memory.WithLogger(logger))
		if err := a.queue.Start(ctx); err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("start memory queue: %w", err)
		}
		deps.Memory = a.queue
	}

	agentConfig := agent.DefaultConfig()
	agentConfig.Model = model
	agentConfig.Rounds = cfg.Rounds
	agentConfig.Budget = budget
	a.orchestrator, err = agent.New(deps, agentConfig)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Close stops the queue, flushes traces and closes storage.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.queue != nil {
		if err := a.queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop memory queue: %w", err))
		}
	}
	if a.prompts != nil {
		if err := a.prompts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close prompts: %w", err))
		}
	}
	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if err := a.stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}
