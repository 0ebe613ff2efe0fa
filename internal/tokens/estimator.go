// Package tokens provides cheap length-based token estimation and trimming
// shared by the round loop, compaction and memory summarization.
package tokens

import (
	"unicode/utf8"

	"github.com/haasonsaas/conductor/pkg/models"
)

const (
	// BytesPerToken is the approximate byte-to-token ratio for estimation.
	BytesPerToken = 4

	// MessageOverheadTokens covers role markers and separators per message.
	MessageOverheadTokens = 4

	// ImagePartTokens is the flat cost charged for an image part.
	ImagePartTokens = 1024

	// DefaultTrimSuffix marks truncated text.
	DefaultTrimSuffix = "\n...[truncated]"
)

// ApproxTokenCount estimates tokens as bytes / BytesPerToken, rounded up.
func ApproxTokenCount(text string) int {
	return (len(text) + BytesPerToken - 1) / BytesPerToken
}

// EstimateMessageTokens estimates the prompt cost of a single message.
func EstimateMessageTokens(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	total := MessageOverheadTokens
	total += ApproxTokenCount(msg.Content)
	total += ApproxTokenCount(msg.ReasoningContent)
	for _, part := range msg.Parts {
		switch part.Type {
		case models.PartImage:
			total += ImagePartTokens
		default:
			total += ApproxTokenCount(part.Text)
		}
	}
	for _, call := range msg.ToolCalls {
		total += ApproxTokenCount(call.Name) + ApproxTokenCount(string(call.ArgumentsJSON()))
	}
	return total
}

// EstimateMessagesTokens sums EstimateMessageTokens over messages.
func EstimateMessagesTokens(messages []*models.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessageTokens(msg)
	}
	return total
}

// TrimTextToTokens truncates text to at most maxTokens, appending suffix
// whenever truncation happens. If maxTokens cannot hold any of the original
// content next to the suffix, the suffix alone is returned.
func TrimTextToTokens(text string, maxTokens int, suffix string) string {
	if ApproxTokenCount(text) <= maxTokens {
		return text
	}
	available := maxTokens - ApproxTokenCount(suffix)
	if available <= 0 {
		return suffix
	}
	cut := available * BytesPerToken
	if cut >= len(text) {
		return text
	}
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		return suffix
	}
	return text[:cut] + suffix
}

// TrimMessagesToBudget keeps the most recent messages that fit in maxTokens,
// walking from the tail. The last message is always kept.
func TrimMessagesToBudget(messages []*models.Message, maxTokens int) []*models.Message {
	if len(messages) == 0 {
		return nil
	}
	used := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateMessageTokens(messages[i])
		if start < len(messages) && used+cost > maxTokens {
			break
		}
		used += cost
		start = i
	}
	out := make([]*models.Message, len(messages)-start)
	copy(out, messages[start:])
	return out
}
