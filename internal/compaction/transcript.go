package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/internal/tokens"
	"github.com/haasonsaas/conductor/pkg/models"
)

// RenderTranscript flattens messages into role<separator>content lines.
// Empty messages are skipped and observations are capped at
// observationMaxTokens.
func RenderTranscript(messages []*models.Message, separator string, observationMaxTokens int) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		content := strings.TrimSpace(msg.Text())
		role := string(msg.Role)
		if msg.IsObservation() {
			role = "observation"
			if observationMaxTokens > 0 {
				content = tokens.TrimTextToTokens(content, observationMaxTokens, tokens.DefaultTrimSuffix)
			}
		}
		for _, call := range msg.ToolCalls {
			if content != "" {
				content += "\n"
			}
			content += fmt.Sprintf("[called %s %s]", call.Name, call.ArgumentsJSON())
		}
		if content == "" {
			continue
		}
		sb.WriteString(role)
		sb.WriteString(separator)
		sb.WriteString(content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// artifactIndex synthesizes a system message listing the session's recent
// files, commands and tools, newest first and without repeats.
func (c *Compactor) artifactIndex(ctx context.Context, in Input) *models.Message {
	if c.artifacts == nil {
		return nil
	}
	events, err := c.artifacts.RecentArtifacts(ctx, in.UserID, in.SessionID, c.config.ArtifactLimit)
	if err != nil {
		c.logger.WarnContext(ctx, "artifact log unavailable for compaction",
			"session_id", in.SessionID,
			"error", err)
		return nil
	}
	content := BuildArtifactIndex(events)
	if content == "" {
		return nil
	}
	return &models.Message{
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Role:      models.RoleSystem,
		Content:   content,
		Meta:      map[string]any{models.MetaType: models.MessageTypeArtifactIndex},
	}
}

// BuildArtifactIndex renders artifact events as an index. Events are
// expected newest first.
func BuildArtifactIndex(events []models.ArtifactEvent) string {
	if len(events) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(events))
	var sb strings.Builder
	sb.WriteString("Artifact index (recent workspace activity, newest first):\n")
	for _, ev := range events {
		target := strings.TrimSpace(ev.Target)
		if target == "" {
			continue
		}
		key := ev.Kind + "\x00" + target
		if seen[key] {
			continue
		}
		seen[key] = true
		sb.WriteString("- ")
		sb.WriteString(ev.Kind)
		sb.WriteString(": ")
		sb.WriteString(target)
		if ev.Tool != "" && ev.Tool != target {
			sb.WriteString(" (")
			sb.WriteString(ev.Tool)
			sb.WriteString(")")
		}
		sb.WriteByte('\n')
	}
	if len(seen) == 0 {
		return ""
	}
	return sb.String()
}
