package models

// Event names carried on the stream.
const (
	EventProgress    = "progress"
	EventLLMRequest  = "llm_request"
	EventLLMResponse = "llm_response"
	EventCompaction  = "compaction"
	EventToolCall    = "tool_call"
	EventToolResult  = "tool_result"
	EventError       = "error"
	EventFinal       = "final"
)

// StreamEvent is one element of the typed event stream.
type StreamEvent struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data"`
}

// IsTerminal reports whether the event ends a stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Event == EventFinal || e.Event == EventError
}

// ProgressData reports a loop stage.
type ProgressData struct {
	Round   RoundInfo `json:"round"`
	Stage   string    `json:"stage"`
	Message string    `json:"message,omitempty"`
}

// LLMRequestData describes an outgoing model call.
type LLMRequestData struct {
	Round        RoundInfo `json:"round"`
	Model        string    `json:"model,omitempty"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
}

// LLMResponseData describes a completed model call.
type LLMResponseData struct {
	Round     RoundInfo `json:"round"`
	Content   string    `json:"content"`
	Reasoning string    `json:"reasoning,omitempty"`
	ToolCalls int       `json:"tool_calls"`
	Usage     Usage     `json:"usage"`
}

// ToolCallData announces a tool invocation.
type ToolCallData struct {
	Round     RoundInfo `json:"round"`
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Arguments any       `json:"arguments"`
}

// ToolResultData carries a tool result.
type ToolResultData struct {
	Round  RoundInfo `json:"round"`
	ID     string    `json:"id,omitempty"`
	Name   string    `json:"name"`
	OK     bool      `json:"ok"`
	Result any       `json:"result"`
}

// ErrorData terminates a failed stream.
type ErrorData struct {
	Round   RoundInfo `json:"round"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// FinalData terminates a successful stream.
type FinalData struct {
	Round      RoundInfo `json:"round"`
	Answer     string    `json:"answer"`
	StopReason string    `json:"stop_reason,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
	SessionID  string    `json:"session_id"`
}

// Compaction trigger reasons.
const (
	CompactionReasonHistory  = "history"
	CompactionReasonOverflow = "overflow"
)

// Compaction outcome statuses.
const (
	CompactionStatusDone     = "done"
	CompactionStatusFallback = "fallback"
	CompactionStatusSkipped  = "skipped"
)

// Reset modes describing how the working list was replaced.
const (
	ResetModeNone    = "none"
	ResetModeRebuild = "rebuild"
	ResetModeRequeue = "rebuild_requeue"
)

// CompactionTelemetry is the payload of a compaction event.
type CompactionTelemetry struct {
	Round            RoundInfo `json:"round"`
	Reason           string    `json:"reason"`
	Status           string    `json:"status"`
	SummaryFallback  bool      `json:"summary_fallback"`
	TotalTokens      int       `json:"total_tokens"`
	TotalTokensAfter int       `json:"total_tokens_after"`
	Limit            int       `json:"limit"`
	ResetMode        string    `json:"reset_mode"`
}
