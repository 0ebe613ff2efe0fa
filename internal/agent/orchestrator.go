// Package agent runs the multi-round think, call tools, observe loop for one
// user request and reports it as a typed event stream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/compaction"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/toolcall"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/pkg/models"
)

// HistoryStore loads replayed history and appends to the session log.
type HistoryStore interface {
	Load(ctx context.Context, userID, sessionID string, limit int) ([]*models.Message, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
}

// ToolExecutor runs tool calls.
type ToolExecutor interface {
	Names() []string
	Specs(allowed []string) []llm.ToolSpec
	Execute(ctx context.Context, call models.ToolCall) (tools.Result, error)
}

// Compactor decides on and performs context compaction.
type Compactor interface {
	Maybe(ctx context.Context, in compaction.Input) (*compaction.Outcome, error)
}

// MemoryQueue accepts finished turns for background summarization.
type MemoryQueue interface {
	Enqueue(ctx context.Context, task *models.MemorySummaryTask) (*models.MemorySummaryTask, error)
}

// PromptSource resolves named prompt templates.
type PromptSource interface {
	Load(name string) string
}

// Metrics receives turn measurements.
type Metrics interface {
	TurnStarted()
	TurnFinished(outcome string, elapsed time.Duration)
	ObserveLLMCall(model string, err error, elapsed time.Duration, usage models.Usage)
	ObserveCompaction(reason, status string)
}

// PromptSystem names the system prompt.
const PromptSystem = "system"

// Config controls the round loop.
type Config struct {
	// Model is used when a request names none.
	Model  string
	Rounds config.RoundsConfig

	// Budget is the base compaction budget; request overrides adjust it.
	Budget compaction.Budget

	// ObservationMaxTokens caps each tool result fed back to the model.
	ObservationMaxTokens int

	// Parser is the tool-call extraction policy.
	Parser toolcall.Policy

	// EventBuffer sizes the Stream channel.
	EventBuffer int
}

// DefaultConfig returns loop defaults.
func DefaultConfig() Config {
	return Config{
		Rounds: config.RoundsConfig{
			MaxRounds:    8,
			MaxTokens:    4096,
			HistoryLimit: 200,
		},
		ObservationMaxTokens: 2000,
		Parser:               toolcall.DefaultPolicy(),
		EventBuffer:          64,
	}
}

// Deps are the orchestrator's collaborators. LLM and History are required.
type Deps struct {
	LLM       llm.Caller
	History   HistoryStore
	Tools     ToolExecutor
	Compactor Compactor
	Memory    MemoryQueue
	Prompts   PromptSource
	Admission *Admission
	Metrics   Metrics
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

// Orchestrator runs user turns.
//
// Thread Safety:
// Orchestrator is safe for concurrent use; per-session exclusion comes from
// Admission.
type Orchestrator struct {
	deps   Deps
	config Config
	parser *toolcall.Parser
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.LLM == nil {
		return nil, errors.New("agent: llm caller is required")
	}
	if deps.History == nil {
		return nil, errors.New("agent: history store is required")
	}
	defaults := DefaultConfig()
	if cfg.Rounds.MaxRounds <= 0 {
		cfg.Rounds.MaxRounds = defaults.Rounds.MaxRounds
	}
	if cfg.Rounds.MaxTokens <= 0 {
		cfg.Rounds.MaxTokens = defaults.Rounds.MaxTokens
	}
	if cfg.Rounds.HistoryLimit <= 0 {
		cfg.Rounds.HistoryLimit = defaults.Rounds.HistoryLimit
	}
	if cfg.ObservationMaxTokens <= 0 {
		cfg.ObservationMaxTokens = defaults.ObservationMaxTokens
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	if deps.Admission == nil {
		deps.Admission = NewAdmission(nil, 0, 0)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	parser := toolcall.New(cfg.Parser)
	if deps.Tools != nil {
		parser = parser.WithKnownTools(deps.Tools.Names())
	}
	return &Orchestrator{
		deps:   deps,
		config: cfg,
		parser: parser,
		logger: logger.With("component", "orchestrator"),
		now:    time.Now,
	}, nil
}

// Run executes one turn and returns the final answer. Failures come back as
// errors classifiable with ClassifyError.
func (o *Orchestrator) Run(ctx context.Context, req *models.Request) (*models.Result, error) {
	t, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	release, err := o.admit(ctx, t)
	if err != nil {
		return nil, err
	}
	defer release()

	sink := &collector{}
	return o.execute(ctx, t, NewEmitter(sink))
}

// Stream executes one turn in the background and returns its events. The
// channel yields exactly one final or error event last and is then closed.
// Admission failures are returned before any event is produced.
func (o *Orchestrator) Stream(ctx context.Context, req *models.Request) (<-chan models.StreamEvent, error) {
	t, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	release, err := o.admit(ctx, t)
	if err != nil {
		return nil, err
	}

	ch := make(chan models.StreamEvent, o.config.EventBuffer)
	emitter := NewEmitter(NewChanSink(ch))
	go func() {
		defer close(ch)
		defer release()
		_, _ = o.execute(ctx, t, emitter)
	}()
	return ch, nil
}

// turn is the validated, resolved form of a request.
type turn struct {
	req       *models.Request
	sessionID string
	model     string
	rounds    config.RoundsConfig
	budget    compaction.Budget
	allowed   map[string]bool
}

func (o *Orchestrator) prepare(req *models.Request) (*turn, error) {
	if req == nil || strings.TrimSpace(req.UserID) == "" {
		return nil, ErrMissingUser
	}
	if strings.TrimSpace(req.Question) == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyQuestion
	}
	overrides, err := config.ParseOverrides(req.ConfigOverrides)
	if err != nil {
		return nil, fmt.Errorf("%w: config_overrides: %w", ErrInvalidRequest, err)
	}

	t := &turn{
		req:       req,
		sessionID: req.SessionID,
		model:     req.ModelName,
		rounds:    overrides.Apply(o.config.Rounds),
		budget:    o.config.Budget,
	}
	if t.sessionID == "" {
		t.sessionID = uuid.NewString()
	}
	if t.model == "" {
		t.model = o.config.Model
	}
	if overrides.MaxContext != nil && *overrides.MaxContext > 0 {
		t.budget.MaxContext = *overrides.MaxContext
	}
	if overrides.HistoryRatio != nil {
		t.budget.HistoryRatio = *overrides.HistoryRatio
	}
	if len(req.ToolNames) > 0 {
		t.allowed = make(map[string]bool, len(req.ToolNames))
		for _, name := range req.ToolNames {
			t.allowed[name] = true
		}
	}
	return t, nil
}

func (o *Orchestrator) admit(ctx context.Context, t *turn) (func(), error) {
	release, err := o.deps.Admission.Admit(ctx, Ticket{
		UserID:    t.req.UserID,
		SessionID: t.sessionID,
		Holder:    uuid.NewString(),
		Admin:     t.req.IsAdmin,
	}, t.req.AllowQueue)
	if err != nil {
		o.logger.InfoContext(ctx, "request not admitted",
			"user_id", t.req.UserID,
			"session_id", t.sessionID,
			"error", err)
		return nil, err
	}
	return release, nil
}

// execute runs the loop, converting panics into an error event. It always
// leaves exactly one terminal event on the emitter.
func (o *Orchestrator) execute(ctx context.Context, t *turn, emitter *Emitter) (result *models.Result, err error) {
	ctx = observability.AddUserID(ctx, t.req.UserID)
	ctx = observability.AddSessionID(ctx, t.sessionID)
	ctx, span := o.deps.Tracer.TraceTurn(ctx, t.req.UserID, t.sessionID)
	defer span.End()

	start := o.now()
	if o.deps.Metrics != nil {
		o.deps.Metrics.TurnStarted()
	}

	run := &runState{o: o, t: t, emitter: emitter}
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "round loop panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			result, err = nil, &LoopError{Phase: run.phase, Round: run.round.ModelRound, Cause: fmt.Errorf("panic: %v", r)}
		}
		outcome := "success"
		if err != nil {
			outcome = strings.ToLower(string(ClassifyError(err)))
			observability.RecordError(span, err)
			emitter.Error(ctx, run.round, err)
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.TurnFinished(outcome, o.now().Sub(start))
		}
	}()

	return run.loop(ctx)
}
