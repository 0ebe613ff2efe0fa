package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/gateway"
	"github.com/haasonsaas/conductor/internal/memory"
	"github.com/haasonsaas/conductor/pkg/models"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe wires the application, serves until a shutdown signal arrives and
// then drains in-flight requests.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, debug)
	logger.Info("starting conductor",
		"version", version,
		"commit", commit,
		"config", configPath,
		"storage", cfg.Storage.Driver,
		"llm_provider", cfg.LLM.DefaultProvider)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	server, err := gateway.New(gateway.Config{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, gateway.Deps{
		Runner:  a.orchestrator,
		Memory:  statusSource(a.queue),
		Metrics: a.metrics,
		Auth:    a.auth,
		Logger:  logger,
	})
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}
	if err := server.Start(ctx); err != nil {
		_ = a.Close(context.Background())
		return err
	}
	logger.Info("conductor started", "addr", server.Addr(), "auth", a.auth.Enabled())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("conductor stopped")
	return nil
}

// statusSource avoids handing the gateway a typed nil queue.
func statusSource(q *memory.Queue) gateway.StatusSource {
	if q == nil {
		return nil
	}
	return q
}

// =============================================================================
// Ask Command Handler
// =============================================================================

func runAsk(cmd *cobra.Command, opts *askOptions, question string) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, false)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown failed", "error", err)
		}
	}()

	req := buildAskRequest(opts, question)
	out := cmd.OutOrStdout()
	if !opts.stream {
		result, err := a.orchestrator.Run(ctx, req)
		if err != nil {
			return fmt.Errorf("%s: %w", agent.ClassifyError(err), err)
		}
		fmt.Fprintln(out, result.Answer)
		return nil
	}

	events, err := a.orchestrator.Stream(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", agent.ClassifyError(err), err)
	}
	return printStream(out, events)
}

func buildAskRequest(opts *askOptions, question string) *models.Request {
	req := &models.Request{
		UserID:        opts.userID,
		Question:      question,
		ToolNames:     opts.toolNames,
		SkipToolCalls: opts.skipTools,
		Stream:        opts.stream,
		SessionID:     opts.sessionID,
		ModelName:     opts.model,
		Language:      opts.language,
		AllowQueue:    opts.allowQueue,
	}
	if len(opts.overrides) > 0 {
		req.ConfigOverrides = make(map[string]any, len(opts.overrides))
		for key, value := range opts.overrides {
			req.ConfigOverrides[key] = value
		}
	}
	return req
}

// printStream writes each event as a JSON line, then checks the sequence.
func printStream(out io.Writer, events <-chan models.StreamEvent) error {
	encoder := json.NewEncoder(out)
	var seen []models.StreamEvent
	var failure *models.ErrorData
	for event := range events {
		seen = append(seen, event)
		if err := encoder.Encode(event); err != nil {
			slog.Warn("failed to print event", "event", event.Event, "error", err)
		}
		if data, ok := event.Data.(models.ErrorData); ok && event.Event == models.EventError {
			failure = &data
		}
	}

	if defects := agent.ValidateStream(seen); len(defects) > 0 {
		msgs := make([]string, 0, len(defects))
		for _, d := range defects {
			msgs = append(msgs, fmt.Sprintf("%s at %d: %s", d.Code, d.Index, d.Message))
		}
		return fmt.Errorf("malformed event stream: %s", strings.Join(msgs, "; "))
	}
	if failure != nil {
		return fmt.Errorf("%s: %s", failure.Kind, failure.Message)
	}
	return nil
}

// =============================================================================
// Memory Command Handler
// =============================================================================

func runMemoryStatus(cmd *cobra.Command, configPath, userID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, false)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stores, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer stores.Close()

	queue := memory.NewQueue(nil, stores.Memories, memoryConfig(cfg.Memory),
		memory.WithTaskLog(stores.Tasks),
		memory.WithLogger(logger))
	status, err := queue.Status(ctx)
	if err != nil {
		return err
	}
	if userID != "" {
		var history []*models.MemorySummaryTask
		for _, task := range status.History {
			if task.UserID == userID {
				history = append(history, task)
			}
		}
		status.History = history
	}

	out := cmd.OutOrStdout()
	if len(status.History) == 0 {
		fmt.Fprintln(out, "No memory tasks recorded.")
		return nil
	}
	fmt.Fprintf(out, "Memory tasks (source: %s)\n", status.Source)
	for _, task := range status.History {
		line := fmt.Sprintf("  %s  %-8s user=%s session=%s queued=%s",
			task.TaskID, task.Status, task.UserID, task.SessionID, task.QueuedTime.Format(time.RFC3339))
		if task.Error != "" {
			line += " error=" + task.Error
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			out := cmd.ErrOrStderr()
			fmt.Fprintf(out, "%s is invalid:\n", configPath)
			for _, issue := range verr.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (version %d, storage %s, %d llm providers)\n",
		configPath, cfg.Version, cfg.Storage.Driver, len(cfg.LLM.Providers))
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}

func runVersion(cmd *cobra.Command) error {
	fmt.Fprintf(cmd.OutOrStdout(), "conductor %s (commit: %s, built: %s)\n", version, commit, date)
	return nil
}
