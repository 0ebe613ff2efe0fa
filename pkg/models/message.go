package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Meta keys recognized on stored messages.
const (
	MetaType             = "type"
	MetaCompactedUntilTS = "compacted_until_ts"
	MetaReason           = "reason"
	MetaSynthetic        = "synthetic"
	MetaToolName         = "tool"
)

// Values for Meta[MetaType].
const (
	MessageTypeCompactionSummary = "compaction_summary"
	MessageTypeArtifactIndex     = "artifact_index"
	MessageTypeObservation       = "observation"
)

// ContentPartType identifies a structured content part.
type ContentPartType string

const (
	PartText  ContentPartType = "text"
	PartImage ContentPartType = "image_url"
)

// ContentPart is one element of a structured message body.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL string          `json:"image_url,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
}

// Message is one entry of the conversation the LLM sees.
type Message struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id,omitempty"`
	UserID           string         `json:"user_id,omitempty"`
	Role             Role           `json:"role"`
	Content          string         `json:"content"`
	Parts            []ContentPart  `json:"parts,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// MetaString returns a string meta value or "".
func (m *Message) MetaString(key string) string {
	if m == nil || m.Meta == nil {
		return ""
	}
	s, _ := m.Meta[key].(string)
	return s
}

// SetMeta sets a meta value, allocating the map if needed.
func (m *Message) SetMeta(key string, value any) {
	if m.Meta == nil {
		m.Meta = make(map[string]any)
	}
	m.Meta[key] = value
}

// Type returns Meta["type"].
func (m *Message) Type() string {
	return m.MetaString(MetaType)
}

// IsCompactionSummary reports whether the message marks a compaction boundary.
func (m *Message) IsCompactionSummary() bool {
	return m != nil && m.Type() == MessageTypeCompactionSummary
}

// IsArtifactIndex reports whether the message is a synthesized artifact index.
func (m *Message) IsArtifactIndex() bool {
	return m != nil && m.Role == RoleSystem && m.Type() == MessageTypeArtifactIndex
}

// IsObservation reports whether the message wraps a tool result.
func (m *Message) IsObservation() bool {
	if m == nil {
		return false
	}
	return m.Role == RoleTool || m.Type() == MessageTypeObservation
}

// CompactedUntil returns the compaction boundary carried by a summary message.
func (m *Message) CompactedUntil() (time.Time, bool) {
	if m == nil || m.Meta == nil {
		return time.Time{}, false
	}
	ms, ok := metaInt64(m.Meta[MetaCompactedUntilTS])
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Text returns the textual content including text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Content)
	for _, part := range m.Parts {
		if part.Type != PartText || part.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Parts != nil {
		out.Parts = append([]ContentPart(nil), m.Parts...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Meta != nil {
		out.Meta = make(map[string]any, len(m.Meta))
		for k, v := range m.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

// TimestampMillis converts t to the millisecond resolution used by compaction boundaries.
func TimestampMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func metaInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// SummaryPrefix introduces a compaction summary presented to the model.
const SummaryPrefix = "Summary of the earlier conversation:\n"

// SummaryAsUser presents a stored compaction summary as the synthetic user
// message that opens a rebuilt or replayed conversation.
func SummaryAsUser(summary *Message) *Message {
	if summary == nil {
		return nil
	}
	return &Message{
		ID:        summary.ID,
		SessionID: summary.SessionID,
		UserID:    summary.UserID,
		Role:      RoleUser,
		Content:   SummaryPrefix + summary.Content,
		Meta: map[string]any{
			MetaType:             MessageTypeCompactionSummary,
			MetaSynthetic:        true,
			MetaCompactedUntilTS: summary.Meta[MetaCompactedUntilTS],
		},
		CreatedAt: summary.CreatedAt,
	}
}

// IsSynthetic reports whether the message was generated rather than stored.
func (m *Message) IsSynthetic() bool {
	if m == nil || m.Meta == nil {
		return false
	}
	v, _ := m.Meta[MetaSynthetic].(bool)
	return v
}
