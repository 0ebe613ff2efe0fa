package models

import "time"

// MemoryTaskStatus is the lifecycle state of a memory summary task.
type MemoryTaskStatus string

const (
	MemoryTaskQueued  MemoryTaskStatus = "queued"
	MemoryTaskRunning MemoryTaskStatus = "running"
	MemoryTaskDone    MemoryTaskStatus = "done"
	MemoryTaskFailed  MemoryTaskStatus = "failed"
)

// MemorySummaryTask distills one finished conversation into a memory record.
type MemorySummaryTask struct {
	TaskID        string           `json:"task_id"`
	UserID        string           `json:"user_id"`
	SessionID     string           `json:"session_id"`
	AgentID       string           `json:"agent_id,omitempty"`
	QueuedTime    time.Time        `json:"queued_time"`
	Status        MemoryTaskStatus `json:"status"`
	StartTime     time.Time        `json:"start_time,omitempty"`
	EndTime       time.Time        `json:"end_time,omitempty"`
	SummaryResult string           `json:"summary_result,omitempty"`
	Error         string           `json:"error,omitempty"`

	// Inputs consumed by the worker; not reported.
	Messages    []*Message `json:"-"`
	FinalAnswer string     `json:"-"`
}

// Finished reports whether the task reached a terminal status.
func (t *MemorySummaryTask) Finished() bool {
	return t.Status == MemoryTaskDone || t.Status == MemoryTaskFailed
}

// Clone copies the reportable fields.
func (t *MemorySummaryTask) Clone() *MemorySummaryTask {
	if t == nil {
		return nil
	}
	out := *t
	out.Messages = nil
	out.FinalAnswer = ""
	return &out
}

// MemoryRecord is a normalized long-term memory distilled from a session.
type MemoryRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Summary   string    `json:"summary"`
	Facts     []string  `json:"facts,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact kinds recorded by tools.
const (
	ArtifactFile    = "file"
	ArtifactCommand = "command"
	ArtifactTool    = "tool"
)

// ArtifactEvent is one entry of a session's workspace activity log.
type ArtifactEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Target    string    `json:"target"`
	Tool      string    `json:"tool,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
