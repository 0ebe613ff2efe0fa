package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// MemoryStore keeps every store in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	messages    map[string][]*models.Message
	artifacts   map[string][]models.ArtifactEvent
	memories    map[string][]*models.MemoryRecord
	tasks       map[string]*loggedTask
	preferences map[string]bool
	taskSeq     int
}

type loggedTask struct {
	task     *models.MemorySummaryTask
	loggedAt time.Time
	seq      int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[string][]*models.Message),
		artifacts:   make(map[string][]models.ArtifactEvent),
		memories:    make(map[string][]*models.MemoryRecord),
		tasks:       make(map[string]*loggedTask),
		preferences: make(map[string]bool),
	}
}

// NewMemoryStores returns a StoreSet backed by one MemoryStore.
func NewMemoryStores() StoreSet {
	s := NewMemoryStore()
	return StoreSet{Messages: s, Artifacts: s, Memories: s, Tasks: s, Preferences: s}
}

func sessionKey(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.SessionID == "" {
		return fmt.Errorf("message with session id is required")
	}
	stored := msg.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
		msg.ID = stored.ID
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
		msg.CreatedAt = stored.CreatedAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(msg.UserID, msg.SessionID)
	s.messages[key] = append(s.messages[key], stored)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, userID, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[sessionKey(userID, sessionID)]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]*models.Message, 0, len(all)-start)
	for _, msg := range all[start:] {
		out = append(out, msg.Clone())
	}
	return out, nil
}

func (s *MemoryStore) RecordArtifact(ctx context.Context, ev *models.ArtifactEvent) error {
	if ev == nil || ev.SessionID == "" {
		return fmt.Errorf("artifact event with session id is required")
	}
	stored := *ev
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(ev.UserID, ev.SessionID)
	s.artifacts[key] = append(s.artifacts[key], stored)
	return nil
}

func (s *MemoryStore) RecentArtifacts(ctx context.Context, userID, sessionID string, limit int) ([]models.ArtifactEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.artifacts[sessionKey(userID, sessionID)]
	out := make([]models.ArtifactEvent, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveMemory(ctx context.Context, rec *models.MemoryRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("memory record with user id is required")
	}
	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.NewString()
		rec.ID = stored.ID
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.Facts = append([]string(nil), rec.Facts...)
	stored.Tags = append([]string(nil), rec.Tags...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[rec.UserID] = append(s.memories[rec.UserID], &stored)
	return nil
}

func (s *MemoryStore) ListMemories(ctx context.Context, userID string, limit int) ([]*models.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.memories[userID]
	out := make([]*models.MemoryRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		rec := *all[i]
		out = append(out, &rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordTask(ctx context.Context, task *models.MemorySummaryTask) error {
	if task == nil || task.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskSeq++
	s.tasks[task.TaskID] = &loggedTask{task: task.Clone(), loggedAt: time.Now(), seq: s.taskSeq}
	return nil
}

func (s *MemoryStore) RecentTasks(ctx context.Context, limit int) ([]*models.MemorySummaryTask, error) {
	s.mu.RLock()
	entries := make([]*loggedTask, 0, len(s.tasks))
	for _, entry := range s.tasks {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].loggedAt.Equal(entries[j].loggedAt) {
			return entries[i].loggedAt.After(entries[j].loggedAt)
		}
		return entries[i].seq > entries[j].seq
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*models.MemorySummaryTask, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.task.Clone())
	}
	return out, nil
}

func (s *MemoryStore) PruneTasks(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, entry := range s.tasks {
		if entry.loggedAt.Before(before) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) MemoryEnabled(ctx context.Context, userID string) (bool, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, ok := s.preferences[userID]
	return enabled, ok, nil
}

func (s *MemoryStore) SetMemoryEnabled(ctx context.Context, userID string, enabled bool) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[userID] = enabled
	return nil
}
