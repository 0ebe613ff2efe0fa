package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/conductor/internal/compaction"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/memory"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/tokens"
	"github.com/haasonsaas/conductor/internal/toolcall"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Progress stages.
const (
	StageStarted   = "started"
	StageHistory   = "history_loaded"
	StageDelta     = "delta"
	StageReasoning = "reasoning_delta"
	StageTools     = "executing_tools"
)

// runState is the mutable state of one turn.
type runState struct {
	o       *Orchestrator
	t       *turn
	emitter *Emitter

	phase    string
	round    models.RoundInfo
	messages []*models.Message
	history  []*models.Message
	usage    models.Usage
}

func (r *runState) fail(phase string, err error) error {
	return &LoopError{Phase: phase, Round: r.round.ModelRound, Cause: err}
}

func (r *runState) loop(ctx context.Context) (*models.Result, error) {
	o, t := r.o, r.t

	r.phase = PhaseHistory
	history, err := o.deps.History.Load(ctx, t.req.UserID, t.sessionID, t.rounds.HistoryLimit)
	if err != nil {
		return nil, r.fail(PhaseHistory, err)
	}
	r.round = models.RoundInfo{UserRound: countUserTurns(history) + 1}
	r.emitter.Progress(ctx, r.round, StageStarted, "")

	question := r.questionMessage()
	r.phase = PhasePersist
	if err := o.deps.History.AppendMessage(ctx, question); err != nil {
		return nil, r.fail(PhasePersist, err)
	}
	r.history = append(append([]*models.Message(nil), history...), question)
	r.messages = append(r.systemMessages(), history...)
	r.messages = append(r.messages, question)
	r.emitter.Progress(ctx, r.round, StageHistory, fmt.Sprintf("%d messages", len(history)))

	var specs []llm.ToolSpec
	if o.deps.Tools != nil && !t.req.SkipToolCalls {
		specs = o.deps.Tools.Specs(t.req.ToolNames)
	}

	var last *llm.Response
	for modelRound := 1; modelRound <= t.rounds.MaxRounds; modelRound++ {
		r.round.ModelRound = modelRound
		if err := ctx.Err(); err != nil {
			return nil, r.fail(r.phase, err)
		}

		if err := r.compact(ctx); err != nil {
			return nil, err
		}

		resp, err := r.callLLM(ctx, specs)
		if err != nil {
			return nil, err
		}
		last = resp

		var calls []models.ToolCall
		if !t.req.SkipToolCalls {
			calls = r.extractCalls(resp)
		}
		r.emitter.Emit(ctx, models.EventLLMResponse, models.LLMResponseData{
			Round:     r.round,
			Content:   resp.Content,
			Reasoning: resp.Reasoning,
			ToolCalls: len(calls),
			Usage:     resp.Usage,
		})

		assistant := r.newMessage(models.RoleAssistant, resp.Content)
		assistant.ReasoningContent = resp.Reasoning
		assistant.ToolCalls = calls
		if err := r.append(ctx, assistant); err != nil {
			return nil, err
		}

		switch {
		case t.req.SkipToolCalls:
			return r.finish(ctx, resp.Content, models.StopReasonSkipTools)
		case len(calls) == 0:
			return r.finish(ctx, resp.Content, models.StopReasonFinal)
		case modelRound == t.rounds.MaxRounds:
			// The last round's calls are not executed.
			continue
		}

		r.emitter.Progress(ctx, r.round, StageTools, fmt.Sprintf("%d tool calls", len(calls)))
		for _, call := range calls {
			if err := r.runTool(ctx, call); err != nil {
				return nil, err
			}
		}
	}

	content := ""
	if last != nil {
		content = last.Content
	}
	return r.finish(ctx, content, models.StopReasonMaxRounds)
}

// questionMessage builds the stored user message, folding attachments in.
func (r *runState) questionMessage() *models.Message {
	req := r.t.req
	msg := r.newMessage(models.RoleUser, req.Question)
	var docs strings.Builder
	for _, att := range req.Attachments {
		switch {
		case att.Type == "image" && att.URL != "":
			msg.Parts = append(msg.Parts, models.ContentPart{
				Type:     models.PartImage,
				ImageURL: att.URL,
				MimeType: att.MimeType,
			})
		case att.Content != "":
			name := att.Name
			if name == "" {
				name = "attachment"
			}
			fmt.Fprintf(&docs, "\n\n[%s]\n%s", name, att.Content)
		}
	}
	if docs.Len() > 0 {
		msg.Content = strings.TrimSpace(msg.Content + docs.String())
	}
	return msg
}

// systemMessages returns the leading system prompt, if any.
func (r *runState) systemMessages() []*models.Message {
	prompt := ""
	if r.o.deps.Prompts != nil {
		prompt = strings.TrimSpace(r.o.deps.Prompts.Load(PromptSystem))
	}
	if lang := strings.TrimSpace(r.t.req.Language); lang != "" {
		prompt = strings.TrimSpace(prompt + "\n\nRespond in " + lang + ".")
	}
	if prompt == "" {
		return nil
	}
	return []*models.Message{{
		ID:        uuid.NewString(),
		SessionID: r.t.sessionID,
		UserID:    r.t.req.UserID,
		Role:      models.RoleSystem,
		Content:   prompt,
		CreatedAt: r.o.now(),
	}}
}

func (r *runState) newMessage(role models.Role, content string) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		SessionID: r.t.sessionID,
		UserID:    r.t.req.UserID,
		Role:      role,
		Content:   content,
		CreatedAt: r.o.now(),
	}
}

// append persists msg and adds it to the working list.
func (r *runState) append(ctx context.Context, msg *models.Message) error {
	r.phase = PhasePersist
	if err := r.o.deps.History.AppendMessage(ctx, msg); err != nil {
		return r.fail(PhasePersist, err)
	}
	r.messages = append(r.messages, msg)
	if r.history != nil {
		r.history = append(r.history, msg)
	}
	return nil
}

// compact consults the compactor before a model call. Only quota errors and
// cancellation abort the turn.
func (r *runState) compact(ctx context.Context) error {
	if r.o.deps.Compactor == nil {
		return nil
	}
	r.phase = PhaseCompaction
	total := tokens.EstimateMessagesTokens(r.messages)
	spanCtx, span := r.o.deps.Tracer.TraceCompaction(ctx, "check", total, r.t.budget.Limit())
	defer span.End()

	outcome, err := r.o.deps.Compactor.Maybe(spanCtx, compaction.Input{
		UserID:    r.t.req.UserID,
		SessionID: r.t.sessionID,
		Model:     r.t.model,
		Round:     r.round,
		Messages:  r.messages,
		History:   r.history,
		Budget:    r.t.budget,
	})
	if err != nil {
		observability.RecordError(span, err)
		if llm.IsQuotaExceeded(err) || ctx.Err() != nil {
			return r.fail(PhaseCompaction, err)
		}
		r.o.logger.WarnContext(ctx, "compaction failed, continuing with full context",
			"round", r.round.ModelRound,
			"error", err)
		return nil
	}
	if outcome == nil {
		return nil
	}

	telemetry := outcome.Telemetry
	span.SetAttributes(
		attribute.String("compaction.reason", telemetry.Reason),
		attribute.String("compaction.status", telemetry.Status),
		attribute.Int("compaction.total_tokens_after", telemetry.TotalTokensAfter),
	)
	if r.o.deps.Metrics != nil {
		r.o.deps.Metrics.ObserveCompaction(telemetry.Reason, telemetry.Status)
	}
	r.emitter.Emit(ctx, models.EventCompaction, telemetry)

	if outcome.Messages != nil {
		r.messages = outcome.Messages
		// Boundaries for later rounds come from the rebuilt list.
		r.history = nil
	}
	return nil
}

func (r *runState) callLLM(ctx context.Context, specs []llm.ToolSpec) (*llm.Response, error) {
	r.phase = PhaseLLM
	o, t := r.o, r.t

	r.emitter.Emit(ctx, models.EventLLMRequest, models.LLMRequestData{
		Round:        r.round,
		Model:        t.model,
		MessageCount: len(r.messages),
		TotalTokens:  tokens.EstimateMessagesTokens(r.messages),
	})

	req := &llm.Request{
		UserID:      t.req.UserID,
		SessionID:   t.sessionID,
		Model:       t.model,
		Messages:    r.messages,
		Tools:       specs,
		MaxTokens:   t.rounds.MaxTokens,
		MaxRounds:   t.rounds.MaxRounds,
		Temperature: t.rounds.Temperature,
	}
	if t.req.Stream {
		round := r.round
		req.OnDelta = func(d llm.Delta) {
			if d.Text != "" {
				r.emitter.Progress(ctx, round, StageDelta, d.Text)
			}
			if d.Reasoning != "" {
				r.emitter.Progress(ctx, round, StageReasoning, d.Reasoning)
			}
		}
	}

	callCtx, span := o.deps.Tracer.TraceLLMCall(ctx, t.model, r.round.UserRound, r.round.ModelRound)
	start := o.now()
	resp, err := o.deps.LLM.Call(callCtx, req)
	elapsed := o.now().Sub(start)
	observability.RecordError(span, err)
	span.End()

	var usage models.Usage
	if resp != nil {
		usage = resp.Usage
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveLLMCall(t.model, err, elapsed, usage)
	}
	if err != nil {
		return nil, r.fail(PhaseLLM, err)
	}
	if resp == nil {
		return nil, r.fail(PhaseLLM, errors.New("empty llm response"))
	}
	r.usage.Add(resp.Usage)

	o.logger.DebugContext(ctx, "llm call completed",
		"round", r.round.ModelRound,
		"model", t.model,
		"duration", elapsed,
		"total_tokens", resp.Usage.TotalTokens)
	return resp, nil
}

// extractCalls prefers the native payload and falls back to text parsing.
func (r *runState) extractCalls(resp *llm.Response) []models.ToolCall {
	calls := r.o.parser.FromPayload(resp.ToolCalls)
	if len(calls) == 0 {
		calls = r.o.parser.Parse(resp.Content, resp.Reasoning)
	}
	return toolcall.Dedupe(calls)
}

// runTool executes one call, or refuses it when the allow-list excludes it,
// and appends the observation. Tool failures become ok=false results; only
// cancellation of the turn is returned.
func (r *runState) runTool(ctx context.Context, call models.ToolCall) error {
	r.phase = PhaseTool
	r.emitter.Emit(ctx, models.EventToolCall, models.ToolCallData{
		Round:     r.round,
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
	})

	var result tools.Result
	switch {
	case r.t.allowed != nil && !r.t.allowed[call.Name]:
		result = tools.Result{Tool: call.Name, Error: tools.ErrToolNotAllowed.Error(), Timestamp: r.o.now().UnixMilli()}
	case r.o.deps.Tools == nil:
		result = tools.Result{Tool: call.Name, Error: tools.ErrToolNotFound.Error(), Timestamp: r.o.now().UnixMilli()}
	default:
		var err error
		result, err = r.o.deps.Tools.Execute(tools.WithScope(ctx, r.t.req.UserID, r.t.sessionID), call)
		if err != nil && ctx.Err() != nil {
			return r.fail(PhaseTool, ctx.Err())
		}
	}

	r.emitter.Emit(ctx, models.EventToolResult, models.ToolResultData{
		Round:  r.round,
		ID:     call.ID,
		Name:   call.Name,
		OK:     result.OK,
		Result: result,
	})
	return r.append(ctx, r.observation(call, result))
}

// observation wraps a result for the model. Calls with an id answer the
// assistant's tool_calls entry; the rest become user-role observations.
func (r *runState) observation(call models.ToolCall, result tools.Result) *models.Message {
	body := tokens.TrimTextToTokens(result.JSON(), r.o.config.ObservationMaxTokens, tokens.DefaultTrimSuffix)
	var msg *models.Message
	if call.ID != "" {
		msg = r.newMessage(models.RoleTool, body)
		msg.ToolCallID = call.ID
	} else {
		msg = r.newMessage(models.RoleUser, body)
		msg.SetMeta(models.MetaType, models.MessageTypeObservation)
	}
	msg.SetMeta(models.MetaToolName, call.Name)
	return msg
}

func (r *runState) finish(ctx context.Context, content, stopReason string) (*models.Result, error) {
	usage := r.usage
	result := &models.Result{
		Answer:     strings.TrimSpace(toolcall.StripMarkup(content)),
		StopReason: stopReason,
		Usage:      &usage,
		SessionID:  r.t.sessionID,
	}
	r.emitter.Final(ctx, r.round, result)
	r.enqueueMemory(ctx, result.Answer)

	r.o.logger.InfoContext(ctx, "turn completed",
		"user_round", r.round.UserRound,
		"model_rounds", r.round.ModelRound,
		"stop_reason", stopReason,
		"total_tokens", usage.TotalTokens)
	return result, nil
}

// enqueueMemory offers the finished turn to the memory queue without
// waiting on it.
func (r *runState) enqueueMemory(ctx context.Context, answer string) {
	if r.o.deps.Memory == nil {
		return
	}
	_, err := r.o.deps.Memory.Enqueue(context.WithoutCancel(ctx), &models.MemorySummaryTask{
		UserID:      r.t.req.UserID,
		SessionID:   r.t.sessionID,
		AgentID:     r.t.req.AgentID,
		FinalAnswer: answer,
	})
	switch {
	case err == nil:
	case errors.Is(err, memory.ErrMemoryDisabled):
		r.o.logger.DebugContext(ctx, "memory disabled for user")
	default:
		r.o.logger.WarnContext(ctx, "failed to enqueue memory task", "error", err)
	}
}

// countUserTurns counts genuine user questions in history.
func countUserTurns(history []*models.Message) int {
	n := 0
	for _, msg := range history {
		if msg.Role == models.RoleUser && !msg.IsObservation() && !msg.IsSynthetic() {
			n++
		}
	}
	return n
}
