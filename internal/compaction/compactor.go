package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/tokens"
	"github.com/haasonsaas/conductor/pkg/models"
)

// PromptCompaction names the summary instruction prompt.
const PromptCompaction = "compaction"

// MessageAppender persists messages to the session log.
type MessageAppender interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
}

// ArtifactReader lists recent workspace activity for a session.
type ArtifactReader interface {
	RecentArtifacts(ctx context.Context, userID, sessionID string, limit int) ([]models.ArtifactEvent, error)
}

// PromptSource resolves named prompt templates.
type PromptSource interface {
	Load(name string) string
}

// Config holds compactor defaults.
type Config struct {
	Budget

	SummaryMaxTokens     int
	FallbackSummary      string
	ArtifactLimit        int
	ObservationMaxTokens int
	Separator            string
}

// DefaultConfig returns conservative defaults; MaxContext stays 0 so
// compaction is off until a context window is configured.
func DefaultConfig() Config {
	return Config{
		Budget: Budget{
			MaxOutputReserve: DefaultMaxOutputReserve,
			SafetyMargin:     DefaultSafetyMargin,
			Ratio:            DefaultRatio,
			HistoryRatio:     DefaultHistoryRatio,
		},
		SummaryMaxTokens:     DefaultSummaryMaxTokens,
		FallbackSummary:      DefaultSummaryFallback,
		ArtifactLimit:        20,
		ObservationMaxTokens: 256,
		Separator:            ": ",
	}
}

// Compactor summarizes and rebuilds conversations that outgrow their budget.
type Compactor struct {
	llm       llm.Caller
	store     MessageAppender
	artifacts ArtifactReader
	prompts   PromptSource
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithArtifacts sets the artifact-log reader used for the artifact index.
func WithArtifacts(r ArtifactReader) Option {
	return func(c *Compactor) { c.artifacts = r }
}

// WithPrompts sets the prompt source.
func WithPrompts(p PromptSource) Option {
	return func(c *Compactor) { c.prompts = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compactor) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Compactor) { c.now = now }
}

// New builds a Compactor.
func New(caller llm.Caller, store MessageAppender, config Config, opts ...Option) *Compactor {
	defaults := DefaultConfig()
	config.Budget = config.Budget.merge(defaults.Budget)
	if config.SummaryMaxTokens <= 0 {
		config.SummaryMaxTokens = defaults.SummaryMaxTokens
	}
	if strings.TrimSpace(config.FallbackSummary) == "" {
		config.FallbackSummary = defaults.FallbackSummary
	}
	if config.ArtifactLimit <= 0 {
		config.ArtifactLimit = defaults.ArtifactLimit
	}
	if config.ObservationMaxTokens <= 0 {
		config.ObservationMaxTokens = defaults.ObservationMaxTokens
	}
	if config.Separator == "" {
		config.Separator = defaults.Separator
	}
	c := &Compactor{
		llm:    caller,
		store:  store,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Input describes one compaction check.
type Input struct {
	UserID    string
	SessionID string
	Model     string
	Round     models.RoundInfo

	// Messages is the working list sent to the model.
	Messages []*models.Message

	// History is the stored log used to derive the compaction boundary.
	// When nil, Messages is used.
	History []*models.Message

	// Budget overrides the configured budget field by field.
	Budget Budget
}

// Outcome reports a compaction attempt. Messages is nil unless the working
// list was replaced.
type Outcome struct {
	Messages  []*models.Message
	Summary   *models.Message
	Telemetry models.CompactionTelemetry
}

// Budget returns the effective budget for an input.
func (c *Compactor) Budget(in Budget) Budget {
	return in.merge(c.config.Budget)
}

// Maybe evaluates the triggers for in and compacts when one fires. It
// returns nil when nothing fired.
func (c *Compactor) Maybe(ctx context.Context, in Input) (*Outcome, error) {
	budget := c.Budget(in.Budget)
	total := tokens.EstimateMessagesTokens(in.Messages)
	trigger := budget.Evaluate(total)
	if !trigger.Fire {
		return nil, nil
	}
	return c.Compact(ctx, in, trigger.Reason)
}

// Compact summarizes everything except the leading system message and the
// current question, persists the summary and returns the rebuilt list. On
// error the caller's list is untouched; quota errors are always returned.
func (c *Compactor) Compact(ctx context.Context, in Input, reason string) (*Outcome, error) {
	budget := c.Budget(in.Budget)
	limit := budget.Limit()
	if limit <= 0 {
		limit = 1
	}
	total := tokens.EstimateMessagesTokens(in.Messages)
	telemetry := models.CompactionTelemetry{
		Round:            in.Round,
		Reason:           reason,
		TotalTokens:      total,
		TotalTokensAfter: total,
		Limit:            limit,
		ResetMode:        models.ResetModeNone,
	}

	system, current, candidates := splitCandidates(in.Messages)
	if !hasArtifactIndex(candidates) {
		if index := c.artifactIndex(ctx, in); index != nil {
			candidates = append(candidates, index)
		}
	}

	transcript := RenderTranscript(candidates, c.config.Separator, c.config.ObservationMaxTokens)
	if strings.TrimSpace(transcript) == "" {
		telemetry.Status = models.CompactionStatusSkipped
		c.logger.DebugContext(ctx, "compaction skipped: empty transcript",
			"session_id", in.SessionID,
			"reason", reason)
		return &Outcome{Telemetry: telemetry}, nil
	}

	summary, fallback, err := c.summarize(ctx, in, transcript, limit)
	if err != nil {
		return nil, err
	}

	boundary := boundaryTime(in.History, in.Messages, current)
	summary = c.fitSummary(summary, system, current, limit)

	now := c.now()
	stored := &models.Message{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Role:      models.RoleSystem,
		Content:   summary,
		Meta: map[string]any{
			models.MetaType:             models.MessageTypeCompactionSummary,
			models.MetaCompactedUntilTS: models.TimestampMillis(boundary),
			models.MetaReason:           reason,
		},
		CreatedAt: now,
	}
	if err := c.store.AppendMessage(ctx, stored); err != nil {
		return nil, fmt.Errorf("persist compaction summary: %w", err)
	}

	telemetry.ResetMode = models.ResetModeRebuild
	if current != nil && models.TimestampMillis(current.CreatedAt) >= models.TimestampMillis(boundary) {
		requeued := current.Clone()
		requeued.ID = uuid.NewString()
		requeued.CreatedAt = now.Add(time.Millisecond)
		if err := c.store.AppendMessage(ctx, requeued); err != nil {
			c.logger.WarnContext(ctx, "failed to re-append current question after compaction",
				"session_id", in.SessionID,
				"error", err)
		} else {
			current = requeued
			telemetry.ResetMode = models.ResetModeRequeue
		}
	}

	rebuilt := shrink(rebuild(system, models.SummaryAsUser(stored), current), limit)

	telemetry.TotalTokensAfter = tokens.EstimateMessagesTokens(rebuilt)
	telemetry.SummaryFallback = fallback
	telemetry.Status = models.CompactionStatusDone
	if fallback {
		telemetry.Status = models.CompactionStatusFallback
	}

	c.logger.InfoContext(ctx, "conversation compacted",
		"session_id", in.SessionID,
		"reason", reason,
		"status", telemetry.Status,
		"tokens_before", telemetry.TotalTokens,
		"tokens_after", telemetry.TotalTokensAfter,
		"limit", limit)

	return &Outcome{Messages: rebuilt, Summary: stored, Telemetry: telemetry}, nil
}

// summarize asks the model for one summary. Failures other than quota and
// cancellation produce the fallback text.
func (c *Compactor) summarize(ctx context.Context, in Input, transcript string, limit int) (string, bool, error) {
	instructions := defaultCompactionPrompt
	if c.prompts != nil {
		if p := strings.TrimSpace(c.prompts.Load(PromptCompaction)); p != "" {
			instructions = p
		}
	}
	outputBudget := min(c.config.SummaryMaxTokens, max(1, limit/4))

	inputBudget := limit - outputBudget
	messages := summaryRequest(instructions, transcript)
	for i := 0; i < MaxTrimIterations; i++ {
		over := tokens.EstimateMessagesTokens(messages) + outputBudget - limit
		if over <= 0 {
			break
		}
		inputBudget = max(1, min(inputBudget, tokens.ApproxTokenCount(transcript))-over)
		transcript = tokens.TrimTextToTokens(transcript, inputBudget, tokens.DefaultTrimSuffix)
		messages = summaryRequest(instructions, transcript)
	}

	resp, err := c.llm.Call(ctx, &llm.Request{
		UserID:    in.UserID,
		SessionID: in.SessionID,
		Model:     in.Model,
		Messages:  messages,
		MaxTokens: outputBudget,
		MaxRounds: 1,
	})
	if err != nil {
		if llm.IsQuotaExceeded(err) {
			return "", false, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(err, context.Canceled) {
			return "", false, fmt.Errorf("compaction cancelled: %w", err)
		}
		c.logger.WarnContext(ctx, "compaction summary failed, using fallback",
			"session_id", in.SessionID,
			"error", err)
		return c.config.FallbackSummary, true, nil
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return c.config.FallbackSummary, true, nil
	}
	return text, false, nil
}

// fitSummary truncates the summary until the rebuilt list fits limit.
func (c *Compactor) fitSummary(summary string, system, current *models.Message, limit int) string {
	trial := &models.Message{Role: models.RoleUser, Content: models.SummaryPrefix}
	budget := limit - tokens.EstimateMessagesTokens([]*models.Message{system, current, trial})
	for i := 0; i < MaxTrimIterations; i++ {
		summary = tokens.TrimTextToTokens(summary, max(budget, 0), tokens.DefaultTrimSuffix)
		trial.Content = models.SummaryPrefix + summary
		over := tokens.EstimateMessagesTokens([]*models.Message{system, current, trial}) - limit
		if over <= 0 {
			break
		}
		budget -= over
	}
	return summary
}

func summaryRequest(instructions, transcript string) []*models.Message {
	return []*models.Message{
		{Role: models.RoleSystem, Content: instructions},
		{Role: models.RoleUser, Content: "Conversation to summarize:\n\n" + transcript},
	}
}

// splitCandidates separates the leading system message and the current
// question from the messages to summarize.
func splitCandidates(messages []*models.Message) (system, current *models.Message, candidates []*models.Message) {
	start := 0
	if len(messages) > 0 && messages[0] != nil && messages[0].Role == models.RoleSystem && !messages[0].IsArtifactIndex() {
		system = messages[0]
		start = 1
	}
	currentIdx := -1
	for i := len(messages) - 1; i >= start; i-- {
		msg := messages[i]
		if msg != nil && msg.Role == models.RoleUser && !msg.IsObservation() && !msg.IsSynthetic() {
			currentIdx = i
			current = msg
			break
		}
	}
	for i := start; i < len(messages); i++ {
		if i == currentIdx || messages[i] == nil {
			continue
		}
		candidates = append(candidates, messages[i])
	}
	return system, current, candidates
}

// boundaryTime walks history backward from the newest item, skips the
// current question and returns the timestamp of the first remaining item.
func boundaryTime(history, messages []*models.Message, current *models.Message) time.Time {
	if history == nil {
		history = messages
	}
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg == nil || msg.CreatedAt.IsZero() || sameMessage(msg, current) {
			continue
		}
		return msg.CreatedAt
	}
	return time.Time{}
}

func sameMessage(a, b *models.Message) bool {
	if a == nil || b == nil {
		return false
	}
	if a == b {
		return true
	}
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.Role == b.Role && a.Content == b.Content && a.CreatedAt.Equal(b.CreatedAt)
}

func rebuild(system, summary, current *models.Message) []*models.Message {
	out := make([]*models.Message, 0, 3)
	if system != nil {
		out = append(out, system)
	}
	out = append(out, summary)
	if current != nil {
		out = append(out, current)
	}
	return out
}

// shrink applies the tail-keeping budget trim while pinning a leading
// system message.
func shrink(messages []*models.Message, limit int) []*models.Message {
	if tokens.EstimateMessagesTokens(messages) <= limit || len(messages) == 0 {
		return messages
	}
	if messages[0].Role != models.RoleSystem {
		return tokens.TrimMessagesToBudget(messages, limit)
	}
	rest := tokens.TrimMessagesToBudget(messages[1:], limit-tokens.EstimateMessageTokens(messages[0]))
	return append([]*models.Message{messages[0]}, rest...)
}

func hasArtifactIndex(messages []*models.Message) bool {
	for _, msg := range messages {
		if msg.IsArtifactIndex() {
			return true
		}
	}
	return false
}

const defaultCompactionPrompt = `You compress conversations between a user and an AI assistant that uses tools.
Write a summary that lets the assistant continue the work without the original messages.
Keep: the user's goals and constraints, decisions made, facts learned from tool results,
files and commands involved, open questions and the next planned step.
Drop greetings, repetition and raw tool output. Write plain prose or short bullet points.`
