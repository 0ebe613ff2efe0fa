// Package memory distills finished conversations into long-term memory
// records on a single background worker.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

var (
	// ErrQueueStopped is returned by Enqueue after Stop.
	ErrQueueStopped = errors.New("memory: queue stopped")

	// ErrMemoryDisabled is returned when the user opted out of memory.
	ErrMemoryDisabled = errors.New("memory: disabled for user")
)

// HistoryLoader loads session history for tasks enqueued without messages.
type HistoryLoader interface {
	Load(ctx context.Context, userID, sessionID string, limit int) ([]*models.Message, error)
}

// PromptSource resolves named prompt templates.
type PromptSource interface {
	Load(name string) string
}

// Metrics receives queue measurements.
type Metrics interface {
	SetMemoryQueueDepth(n int)
	ObserveMemoryTask(status string, elapsed time.Duration)
}

// Config controls the queue.
type Config struct {
	EnabledByDefault bool
	Model            string
	HistorySize      int
	LoadLimit        int
	PromptMaxTokens  int
	SummaryMaxTokens int
	MaxFacts         int
	MaxTags          int
	Retention        time.Duration
	// RetentionSchedule is a cron spec; empty disables the sweeper.
	RetentionSchedule string
}

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{
		EnabledByDefault:  true,
		HistorySize:       100,
		LoadLimit:         200,
		PromptMaxTokens:   6000,
		SummaryMaxTokens:  512,
		MaxFacts:          20,
		MaxTags:           10,
		Retention:         30 * 24 * time.Hour,
		RetentionSchedule: "@daily",
	}
}

// Status is a merged view of the queue.
type Status struct {
	Active  *models.MemorySummaryTask   `json:"active,omitempty"`
	Pending []*models.MemorySummaryTask `json:"pending"`
	History []*models.MemorySummaryTask `json:"history"`
	// Source is "log" when History came from durable storage, else "memory".
	Source string `json:"source"`
}

// Queue orders summary tasks by queued time and drains them on one worker.
type Queue struct {
	llm     llm.Caller
	records storage.MemoryRecordStore
	taskLog storage.TaskLogStore
	prefs   storage.PreferenceStore
	loader  HistoryLoader
	prompts PromptSource
	metrics Metrics
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	mu            sync.Mutex
	pending       taskHeap
	seq           uint64
	active        *models.MemorySummaryTask
	history       []*models.MemorySummaryTask
	workerRunning bool
	stopped       bool
	notify        chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cron   *cron.Cron
}

// Option configures a Queue.
type Option func(*Queue)

// WithHistoryLoader sets the loader used when a task carries no messages.
func WithHistoryLoader(l HistoryLoader) Option {
	return func(q *Queue) { q.loader = l }
}

// WithTaskLog sets the durable task log.
func WithTaskLog(s storage.TaskLogStore) Option {
	return func(q *Queue) { q.taskLog = s }
}

// WithPreferences sets the per-user preference store.
func WithPreferences(s storage.PreferenceStore) Option {
	return func(q *Queue) { q.prefs = s }
}

// WithPrompts sets the prompt source.
func WithPrompts(p PromptSource) Option {
	return func(q *Queue) { q.prompts = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a queue. The worker starts on the first Enqueue.
func NewQueue(caller llm.Caller, records storage.MemoryRecordStore, config Config, opts ...Option) *Queue {
	defaults := DefaultConfig()
	if config.HistorySize <= 0 {
		config.HistorySize = defaults.HistorySize
	}
	if config.LoadLimit <= 0 {
		config.LoadLimit = defaults.LoadLimit
	}
	if config.PromptMaxTokens <= 0 {
		config.PromptMaxTokens = defaults.PromptMaxTokens
	}
	if config.SummaryMaxTokens <= 0 {
		config.SummaryMaxTokens = defaults.SummaryMaxTokens
	}
	if config.MaxFacts <= 0 {
		config.MaxFacts = defaults.MaxFacts
	}
	if config.MaxTags <= 0 {
		config.MaxTags = defaults.MaxTags
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		llm:     caller,
		records: records,
		config:  config,
		logger:  slog.Default(),
		now:     time.Now,
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "memory-queue")
	return q
}

// Start launches the retention sweeper and drains anything already queued.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.ensureWorkerLocked()
	q.mu.Unlock()

	if q.taskLog == nil || q.config.RetentionSchedule == "" {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(q.config.RetentionSchedule, func() {
		if _, err := q.Sweep(q.ctx); err != nil {
			q.logger.Warn("memory task log sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	c.Start()
	q.mu.Lock()
	q.cron = c
	q.mu.Unlock()
	return nil
}

// Stop halts the worker after the current task and waits for it or ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	c := q.cron
	q.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules a summary task. It returns immediately; the returned
// copy reflects the queued state only.
func (q *Queue) Enqueue(ctx context.Context, task *models.MemorySummaryTask) (*models.MemorySummaryTask, error) {
	if task == nil || task.UserID == "" {
		return nil, fmt.Errorf("memory task requires a user id")
	}
	enabled, err := q.enabledFor(ctx, task.UserID)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, ErrMemoryDisabled
	}

	stored := *task
	if stored.TaskID == "" {
		stored.TaskID = uuid.NewString()
	}
	if stored.QueuedTime.IsZero() {
		stored.QueuedTime = q.now()
	}
	stored.Status = models.MemoryTaskQueued
	task = &stored

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrQueueStopped
	}
	q.seq++
	heap.Push(&q.pending, &queueItem{task: task, seq: q.seq})
	depth := q.pending.Len()
	// The worker owns task from here on; callers only ever see this copy.
	queued := task.Clone()
	q.ensureWorkerLocked()
	q.mu.Unlock()

	q.signal()
	if q.metrics != nil {
		q.metrics.SetMemoryQueueDepth(depth)
	}
	q.logger.DebugContext(ctx, "memory task queued",
		"task_id", queued.TaskID,
		"user_id", queued.UserID,
		"session_id", queued.SessionID)
	return queued, nil
}

func (q *Queue) enabledFor(ctx context.Context, userID string) (bool, error) {
	if q.prefs == nil {
		return q.config.EnabledByDefault, nil
	}
	enabled, set, err := q.prefs.MemoryEnabled(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("memory preference: %w", err)
	}
	if !set {
		return q.config.EnabledByDefault, nil
	}
	return enabled, nil
}

// Status merges the active task, the pending heap and the task history.
func (q *Queue) Status(ctx context.Context) (*Status, error) {
	q.mu.Lock()
	status := &Status{
		Active:  q.active.Clone(),
		Pending: make([]*models.MemorySummaryTask, 0, q.pending.Len()),
		Source:  "memory",
	}
	for _, item := range q.pending {
		status.Pending = append(status.Pending, item.task.Clone())
	}
	ring := make([]*models.MemorySummaryTask, 0, len(q.history))
	for _, task := range q.history {
		ring = append(ring, task.Clone())
	}
	q.mu.Unlock()

	sort.Slice(status.Pending, func(i, j int) bool {
		a, b := status.Pending[i], status.Pending[j]
		if !a.QueuedTime.Equal(b.QueuedTime) {
			return a.QueuedTime.Before(b.QueuedTime)
		}
		return a.TaskID < b.TaskID
	})

	status.History = ring
	if q.taskLog != nil {
		logged, err := q.taskLog.RecentTasks(ctx, q.config.HistorySize)
		if err != nil {
			q.logger.WarnContext(ctx, "memory task log unavailable, using in-memory history", "error", err)
		} else {
			status.History = logged
			status.Source = "log"
		}
	}
	return status, nil
}

// Sweep deletes task-log rows older than the retention window.
func (q *Queue) Sweep(ctx context.Context) (int64, error) {
	if q.taskLog == nil {
		return 0, nil
	}
	removed, err := q.taskLog.PruneTasks(ctx, q.now().Add(-q.config.Retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		q.logger.InfoContext(ctx, "memory task log pruned", "removed", removed)
	}
	return removed, nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// ensureWorkerLocked starts the worker unless one is alive. q.mu must be held.
func (q *Queue) ensureWorkerLocked() {
	if q.workerRunning || q.stopped {
		return
	}
	q.workerRunning = true
	q.wg.Add(1)
	go q.worker()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	defer func() {
		r := recover()
		q.mu.Lock()
		q.workerRunning = false
		restart := r != nil && !q.stopped && q.pending.Len() > 0
		if restart {
			q.ensureWorkerLocked()
		}
		q.mu.Unlock()
		if r != nil {
			q.logger.Error("memory worker panicked", "panic", r)
		}
	}()

	for {
		task, ok := q.next()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		q.run(task)
		if q.ctx.Err() != nil {
			return
		}
	}
}

// next pops the earliest task and marks it running.
func (q *Queue) next() (*models.MemorySummaryTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.pending.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.pending).(*queueItem)
	item.task.Status = models.MemoryTaskRunning
	item.task.StartTime = q.now()
	q.active = item.task
	if q.metrics != nil {
		q.metrics.SetMemoryQueueDepth(q.pending.Len())
	}
	return item.task, true
}

func (q *Queue) run(task *models.MemorySummaryTask) {
	ctx, span := otel.Tracer("conductor/memory").Start(q.ctx, "memory.summarize")
	span.SetAttributes(
		attribute.String("memory.task_id", task.TaskID),
		attribute.String("session.id", task.SessionID),
	)
	defer span.End()

	record, err := q.summarizeSafely(ctx, task)

	q.mu.Lock()
	task.EndTime = q.now()
	if err != nil {
		task.Status = models.MemoryTaskFailed
		task.Error = err.Error()
	} else {
		task.Status = models.MemoryTaskDone
		task.SummaryResult = record.Summary
	}
	task.Messages = nil
	task.FinalAnswer = ""
	q.active = nil
	q.history = append([]*models.MemorySummaryTask{task}, q.history...)
	if len(q.history) > q.config.HistorySize {
		q.history = q.history[:q.config.HistorySize]
	}
	finished := task.Clone()
	q.mu.Unlock()

	elapsed := finished.EndTime.Sub(finished.StartTime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		level := slog.LevelWarn
		if llm.IsQuotaExceeded(err) {
			level = slog.LevelInfo
		}
		q.logger.Log(ctx, level, "memory task failed",
			"task_id", finished.TaskID,
			"session_id", finished.SessionID,
			"error", err)
	} else {
		q.logger.InfoContext(ctx, "memory task done",
			"task_id", finished.TaskID,
			"session_id", finished.SessionID,
			"duration", elapsed)
	}
	if q.metrics != nil {
		q.metrics.ObserveMemoryTask(string(finished.Status), elapsed)
	}
	if q.taskLog != nil {
		if err := q.taskLog.RecordTask(context.WithoutCancel(ctx), finished); err != nil {
			q.logger.WarnContext(ctx, "failed to log memory task", "task_id", finished.TaskID, "error", err)
		}
	}
}

func (q *Queue) summarizeSafely(ctx context.Context, task *models.MemorySummaryTask) (rec *models.MemoryRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memory task panicked: %v", r)
		}
	}()
	return q.summarize(ctx, task)
}

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)
