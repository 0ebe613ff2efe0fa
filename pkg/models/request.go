package models

// Attachment is an inbound file or image reference.
type Attachment struct {
	Type     string `json:"type"` // image, document
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Request is the immutable input of one orchestrated turn.
type Request struct {
	UserID          string         `json:"user_id"`
	Question        string         `json:"question"`
	ToolNames       []string       `json:"tool_names,omitempty"`
	SkipToolCalls   bool           `json:"skip_tool_calls,omitempty"`
	Stream          bool           `json:"stream,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	AgentID         string         `json:"agent_id,omitempty"`
	ModelName       string         `json:"model_name,omitempty"`
	Language        string         `json:"language,omitempty"`
	ConfigOverrides map[string]any `json:"config_overrides,omitempty"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
	AllowQueue      bool           `json:"allow_queue,omitempty"`
	IsAdmin         bool           `json:"is_admin,omitempty"`
}

// Stop reasons reported on the final result.
const (
	StopReasonFinal     = "final"
	StopReasonMaxRounds = "max_rounds"
	StopReasonSkipTools = "skip_tool_calls"
)

// Result is the non-streaming outcome of a turn.
type Result struct {
	Answer     string `json:"answer"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	SessionID  string `json:"session_id"`
}

// Usage aggregates token accounting reported by the LLM.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	if other.TotalTokens > 0 {
		u.TotalTokens += other.TotalTokens
	} else {
		u.TotalTokens += other.PromptTokens + other.CompletionTokens
	}
}

// RoundInfo locates an event inside the user turn and the tool sub-loop.
type RoundInfo struct {
	UserRound  int `json:"user_round"`
	ModelRound int `json:"model_round"`
}
