package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Dialect selects SQL syntax differences between backends.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements every store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens, pings and migrates a SQL backend. driver is "sqlite" or
// "postgres".
func OpenSQL(ctx context.Context, driver, dsn string, config *SQLConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	dialect := Dialect(strings.ToLower(strings.TrimSpace(driver)))
	switch dialect {
	case DialectSQLite, DialectPostgres:
	case "postgresql", "cockroach":
		dialect = DialectPostgres
	default:
		return StoreSet{}, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if config == nil {
		config = DefaultSQLConfig()
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	config.apply(db)
	if dialect == DialectSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	pingCtx := ctx
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	store := NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}
	return StoreSet{
		Messages:    store,
		Artifacts:   store,
		Memories:    store,
		Tasks:       store,
		Preferences: store,
		closer:      db.Close,
	}, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates missing tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			` + seq + `,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (user_id, session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS artifact_events (
			` + seq + `,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			tool TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifact_events (user_id, session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			facts TEXT NOT NULL,
			tags TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS memory_task_log (
			task_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			queued_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL,
			summary_result TEXT NOT NULL,
			error TEXT NOT NULL,
			logged_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_task_log_logged ON memory_task_log (logged_at)`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			user_id TEXT PRIMARY KEY,
			memory_enabled INTEGER NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// messagePayload holds the message fields without dedicated columns.
type messagePayload struct {
	Parts            []models.ContentPart `json:"parts,omitempty"`
	ReasoningContent string               `json:"reasoning_content,omitempty"`
	ToolCalls        []models.ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID       string               `json:"tool_call_id,omitempty"`
	Meta             map[string]any       `json:"meta,omitempty"`
}

func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.SessionID == "" {
		return fmt.Errorf("message with session id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(messagePayload{
		Parts:            msg.Parts,
		ReasoningContent: msg.ReasoningContent,
		ToolCalls:        msg.ToolCalls,
		ToolCallID:       msg.ToolCallID,
		Meta:             msg.Meta,
	})
	if err != nil {
		return fmt.Errorf("marshal message payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO messages (id, user_id, session_id, role, content, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		msg.ID,
		msg.UserID,
		msg.SessionID,
		string(msg.Role),
		msg.Content,
		string(payload),
		unixNano(msg.CreatedAt),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") || strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, userID, sessionID string, limit int) ([]*models.Message, error) {
	query := `SELECT id, user_id, session_id, role, content, payload, created_at
		FROM messages WHERE user_id = ? AND session_id = ?
		ORDER BY seq DESC`
	args := []any{userID, sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			msg       models.Message
			role      string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.SessionID, &role, &msg.Content, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = fromUnixNano(createdAt)
		if payload != "" {
			var p messagePayload
			dec := json.NewDecoder(strings.NewReader(payload))
			dec.UseNumber()
			if err := dec.Decode(&p); err != nil {
				return nil, fmt.Errorf("unmarshal message payload: %w", err)
			}
			msg.Parts = p.Parts
			msg.ReasoningContent = p.ReasoningContent
			msg.ToolCalls = p.ToolCalls
			msg.ToolCallID = p.ToolCallID
			msg.Meta = p.Meta
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLStore) RecordArtifact(ctx context.Context, ev *models.ArtifactEvent) error {
	if ev == nil || ev.SessionID == "" {
		return fmt.Errorf("artifact event with session id is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO artifact_events (id, user_id, session_id, kind, target, tool, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.UserID, ev.SessionID, ev.Kind, ev.Target, ev.Tool, unixNano(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

func (s *SQLStore) RecentArtifacts(ctx context.Context, userID, sessionID string, limit int) ([]models.ArtifactEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_id, session_id, kind, target, tool, created_at
		 FROM artifact_events WHERE user_id = ? AND session_id = ?
		 ORDER BY seq DESC LIMIT ?`), userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.ArtifactEvent
	for rows.Next() {
		var ev models.ArtifactEvent
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.SessionID, &ev.Kind, &ev.Target, &ev.Tool, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		ev.CreatedAt = fromUnixNano(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveMemory(ctx context.Context, rec *models.MemoryRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("memory record with user id is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	facts, err := json.Marshal(nonNil(rec.Facts))
	if err != nil {
		return fmt.Errorf("marshal facts: %w", err)
	}
	tags, err := json.Marshal(nonNil(rec.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO memory_records (id, user_id, session_id, task_id, summary, facts, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.UserID, rec.SessionID, rec.TaskID, rec.Summary, string(facts), string(tags), unixNano(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMemories(ctx context.Context, userID string, limit int) ([]*models.MemoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_id, session_id, task_id, summary, facts, tags, created_at
		 FROM memory_records WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryRecord
	for rows.Next() {
		var rec models.MemoryRecord
		var facts, tags string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.TaskID, &rec.Summary, &facts, &tags, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := json.Unmarshal([]byte(facts), &rec.Facts); err != nil {
			return nil, fmt.Errorf("unmarshal facts: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		rec.CreatedAt = fromUnixNano(createdAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordTask(ctx context.Context, task *models.MemorySummaryTask) error {
	if task == nil || task.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO memory_task_log (task_id, user_id, session_id, status, queued_at, started_at, ended_at, summary_result, error, logged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (task_id) DO UPDATE SET
		   status = excluded.status,
		   started_at = excluded.started_at,
		   ended_at = excluded.ended_at,
		   summary_result = excluded.summary_result,
		   error = excluded.error,
		   logged_at = excluded.logged_at`),
		task.TaskID,
		task.UserID,
		task.SessionID,
		string(task.Status),
		unixNano(task.QueuedTime),
		unixNano(task.StartTime),
		unixNano(task.EndTime),
		task.SummaryResult,
		task.Error,
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

func (s *SQLStore) RecentTasks(ctx context.Context, limit int) ([]*models.MemorySummaryTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT task_id, user_id, session_id, status, queued_at, started_at, ended_at, summary_result, error
		 FROM memory_task_log ORDER BY logged_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("recent tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.MemorySummaryTask
	for rows.Next() {
		var task models.MemorySummaryTask
		var status string
		var queued, started, ended int64
		if err := rows.Scan(&task.TaskID, &task.UserID, &task.SessionID, &status, &queued, &started, &ended, &task.SummaryResult, &task.Error); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.Status = models.MemoryTaskStatus(status)
		task.QueuedTime = fromUnixNano(queued)
		task.StartTime = fromUnixNano(started)
		task.EndTime = fromUnixNano(ended)
		out = append(out, &task)
	}
	return out, rows.Err()
}

func (s *SQLStore) PruneTasks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM memory_task_log WHERE logged_at < ?`), before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) MemoryEnabled(ctx context.Context, userID string) (bool, bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT memory_enabled FROM user_preferences WHERE user_id = ?`), userID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("memory preference: %w", err)
	}
	return enabled != 0, true, nil
}

func (s *SQLStore) SetMemoryEnabled(ctx context.Context, userID string, enabled bool) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	flag := 0
	if enabled {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO user_preferences (user_id, memory_enabled, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET memory_enabled = excluded.memory_enabled, updated_at = excluded.updated_at`),
		userID, flag, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("set memory preference: %w", err)
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
