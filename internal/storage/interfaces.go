package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// MessageStore is the append-only conversation log.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns the newest limit messages of a session in append
	// order. A limit <= 0 returns everything.
	ListMessages(ctx context.Context, userID, sessionID string, limit int) ([]*models.Message, error)
}

// ArtifactLog records workspace activity per session.
type ArtifactLog interface {
	RecordArtifact(ctx context.Context, ev *models.ArtifactEvent) error
	// RecentArtifacts returns up to limit events, newest first.
	RecentArtifacts(ctx context.Context, userID, sessionID string, limit int) ([]models.ArtifactEvent, error)
}

// MemoryRecordStore persists long-term memory records.
type MemoryRecordStore interface {
	SaveMemory(ctx context.Context, rec *models.MemoryRecord) error
	ListMemories(ctx context.Context, userID string, limit int) ([]*models.MemoryRecord, error)
}

// TaskLogStore is the durable log of memory summary task outcomes.
type TaskLogStore interface {
	RecordTask(ctx context.Context, task *models.MemorySummaryTask) error
	// RecentTasks returns up to limit tasks, most recently logged first.
	RecentTasks(ctx context.Context, limit int) ([]*models.MemorySummaryTask, error)
	PruneTasks(ctx context.Context, before time.Time) (int64, error)
}

// PreferenceStore holds per-user settings.
type PreferenceStore interface {
	// MemoryEnabled returns the user's flag and whether it was ever set.
	MemoryEnabled(ctx context.Context, userID string) (enabled bool, set bool, err error)
	SetMemoryEnabled(ctx context.Context, userID string, enabled bool) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Messages    MessageStore
	Artifacts   ArtifactLog
	Memories    MemoryRecordStore
	Tasks       TaskLogStore
	Preferences PreferenceStore
	closer      func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
