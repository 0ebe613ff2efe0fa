package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/compaction"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/tokens"
	"github.com/haasonsaas/conductor/internal/toolcall"
	"github.com/haasonsaas/conductor/pkg/models"
)

// PromptMemory names the memory summarization prompt.
const PromptMemory = "memory"

var errEmptySummary = errors.New("model returned an empty summary")

func (q *Queue) summarize(ctx context.Context, task *models.MemorySummaryTask) (*models.MemoryRecord, error) {
	messages, err := q.taskMessages(ctx, task)
	if err != nil {
		return nil, err
	}
	transcript := q.renderPrompt(messages)
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("nothing to summarize")
	}

	instructions := defaultMemoryPrompt
	if q.prompts != nil {
		if p := strings.TrimSpace(q.prompts.Load(PromptMemory)); p != "" {
			instructions = p
		}
	}

	resp, err := q.llm.Call(ctx, &llm.Request{
		UserID:    task.UserID,
		SessionID: task.SessionID,
		Model:     q.config.Model,
		Messages: []*models.Message{
			{Role: models.RoleSystem, Content: instructions},
			{Role: models.RoleUser, Content: "Conversation:\n\n" + transcript},
		},
		MaxTokens: q.config.SummaryMaxTokens,
		MaxRounds: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	record := NormalizeRecord(resp.Content, q.config.MaxFacts, q.config.MaxTags, q.config.SummaryMaxTokens)
	if record.Summary == "" {
		return nil, errEmptySummary
	}
	record.ID = uuid.NewString()
	record.UserID = task.UserID
	record.SessionID = task.SessionID
	record.TaskID = task.TaskID
	record.CreatedAt = q.now()
	if q.records != nil {
		if err := q.records.SaveMemory(ctx, record); err != nil {
			return nil, fmt.Errorf("save memory record: %w", err)
		}
	}
	return record, nil
}

// taskMessages returns the explicit task messages or freshly loaded history,
// followed by the final answer when it is not already the last message.
func (q *Queue) taskMessages(ctx context.Context, task *models.MemorySummaryTask) ([]*models.Message, error) {
	messages := task.Messages
	if len(messages) == 0 && q.loader != nil && task.SessionID != "" {
		loaded, err := q.loader.Load(ctx, task.UserID, task.SessionID, q.config.LoadLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		messages = loaded
	}
	answer := strings.TrimSpace(task.FinalAnswer)
	if answer == "" {
		return messages, nil
	}
	if n := len(messages); n > 0 && messages[n-1].Role == models.RoleAssistant && strings.TrimSpace(messages[n-1].Text()) == answer {
		return messages, nil
	}
	out := make([]*models.Message, 0, len(messages)+1)
	out = append(out, messages...)
	return append(out, &models.Message{Role: models.RoleAssistant, Content: answer}), nil
}

// renderPrompt keeps the newest messages that fit the prompt budget.
func (q *Queue) renderPrompt(messages []*models.Message) string {
	kept := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil || (msg.Role == models.RoleSystem && !msg.IsCompactionSummary()) {
			continue
		}
		kept = append(kept, msg)
	}
	kept = tokens.TrimMessagesToBudget(kept, q.config.PromptMaxTokens)
	transcript := compaction.RenderTranscript(kept, ": ", 128)
	return tokens.TrimTextToTokens(transcript, q.config.PromptMaxTokens, tokens.DefaultTrimSuffix)
}

// NormalizeRecord turns model output into a memory record. A JSON object
// with summary, facts and tags is preferred; anything else is treated as a
// plain-text summary.
func NormalizeRecord(output string, maxFacts, maxTags, maxSummaryTokens int) *models.MemoryRecord {
	record := &models.MemoryRecord{}
	output = strings.TrimSpace(output)
	if output == "" {
		return record
	}

	parsed := false
	for _, value := range toolcall.ExtractJSONValues(output) {
		obj, ok := value.(map[string]any)
		if !ok {
			continue
		}
		summary, ok := obj["summary"].(string)
		if !ok {
			continue
		}
		record.Summary = summary
		record.Facts = stringList(obj["facts"])
		record.Tags = stringList(obj["tags"])
		parsed = true
		break
	}
	if !parsed {
		record.Summary = output
	}

	record.Summary = collapse(record.Summary)
	if maxSummaryTokens > 0 {
		record.Summary = tokens.TrimTextToTokens(record.Summary, maxSummaryTokens, tokens.DefaultTrimSuffix)
	}
	record.Facts = dedupe(record.Facts, maxFacts, false)
	record.Tags = dedupe(record.Tags, maxTags, true)
	return record
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if s, ok := v.(string); ok {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func dedupe(values []string, limit int, lower bool) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = collapse(v)
		if lower {
			v = strings.ToLower(v)
		}
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

const defaultMemoryPrompt = `You maintain long-term memory for an AI assistant.
Read the conversation and reply with one JSON object:
{"summary": "...", "facts": ["..."], "tags": ["..."]}
summary: two to four sentences on what the user wanted and what was done.
facts: durable facts about the user, their projects and preferences.
tags: a few lowercase topic keywords.`
