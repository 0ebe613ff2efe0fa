package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/conductor/pkg/models"
)

func setupMockDB(t *testing.T, dialect Dialect) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock, NewSQLStore(db, dialect)
}

func TestSQLStore_Rebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{"sqlite untouched", DialectSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", DialectPostgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"no placeholders", DialectPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &SQLStore{dialect: tt.dialect}
			if got := s.rebind(tt.query); got != tt.want {
				t.Errorf("rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSQLStore_AppendMessage(t *testing.T) {
	created := time.Unix(1700000000, 0)
	tests := []struct {
		name        string
		msg         *models.Message
		setupMock   func(sqlmock.Sqlmock)
		wantErr     error
		errContains string
	}{
		{
			name: "successful append",
			msg: &models.Message{
				ID:        "m1",
				UserID:    "u1",
				SessionID: "s1",
				Role:      models.RoleUser,
				Content:   "hello",
				CreatedAt: created,
			},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO messages").
					WithArgs("m1", "u1", "s1", "user", "hello", sqlmock.AnyArg(), created.UnixNano()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "duplicate id",
			msg:  &models.Message{ID: "m1", UserID: "u1", SessionID: "s1", Role: models.RoleUser},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO messages").
					WillReturnError(errors.New("UNIQUE constraint failed: messages.id"))
			},
			wantErr: ErrAlreadyExists,
		},
		{
			name: "database error",
			msg:  &models.Message{UserID: "u1", SessionID: "s1", Role: models.RoleUser},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO messages").
					WillReturnError(errors.New("connection refused"))
			},
			errContains: "append message",
		},
		{
			name:        "missing session",
			msg:         &models.Message{UserID: "u1"},
			setupMock:   func(mock sqlmock.Sqlmock) {},
			errContains: "session id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t, DialectSQLite)
			tt.setupMock(mock)

			err := store.AppendMessage(context.Background(), tt.msg)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("AppendMessage() error = %v, want %v", err, tt.wantErr)
				}
			case tt.errContains != "":
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("AppendMessage() error = %v, want containing %q", err, tt.errContains)
				}
			default:
				if err != nil {
					t.Errorf("AppendMessage() unexpected error = %v", err)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_ListMessages(t *testing.T) {
	_, mock, store := setupMockDB(t, DialectPostgres)

	ts1 := time.Unix(100, 0).UnixNano()
	ts2 := time.Unix(200, 0).UnixNano()
	rows := sqlmock.NewRows([]string{"id", "user_id", "session_id", "role", "content", "payload", "created_at"}).
		AddRow("m2", "u1", "s1", "system", "summary text", `{"meta":{"type":"compaction_summary","compacted_until_ts":150000}}`, ts2).
		AddRow("m1", "u1", "s1", "user", "hello", `{}`, ts1)
	mock.ExpectQuery(`SELECT id, user_id, session_id, role, content, payload, created_at`).
		WithArgs("u1", "s1", 10).
		WillReturnRows(rows)

	got, err := store.ListMessages(context.Background(), "u1", "s1", 10)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListMessages() len = %d, want 2", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("ListMessages() order = %s,%s, want m1,m2", got[0].ID, got[1].ID)
	}
	if !got[1].IsCompactionSummary() {
		t.Errorf("ListMessages() lost summary meta: %+v", got[1].Meta)
	}
	if until, ok := got[1].CompactedUntil(); !ok || until.UnixMilli() != 150000 {
		t.Errorf("CompactedUntil() = %d/%v, want 150000/true", until.UnixMilli(), ok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_RecordTask(t *testing.T) {
	_, mock, store := setupMockDB(t, DialectSQLite)
	queued := time.Unix(300, 0)
	mock.ExpectExec("INSERT INTO memory_task_log").
		WithArgs("t1", "u1", "s1", "done", queued.UnixNano(), int64(0), int64(0), "ok", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	task := &models.MemorySummaryTask{
		TaskID:        "t1",
		UserID:        "u1",
		SessionID:     "s1",
		Status:        models.MemoryTaskDone,
		QueuedTime:    queued,
		SummaryResult: "ok",
	}
	if err := store.RecordTask(context.Background(), task); err != nil {
		t.Fatalf("RecordTask() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_PruneTasks(t *testing.T) {
	_, mock, store := setupMockDB(t, DialectSQLite)
	mock.ExpectExec("DELETE FROM memory_task_log").
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.PruneTasks(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("PruneTasks() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("PruneTasks() = %d, want 3", removed)
	}
}

func TestSQLStore_MemoryEnabled(t *testing.T) {
	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		wantEnabled bool
		wantSet     bool
	}{
		{
			name: "unset",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT memory_enabled FROM user_preferences").
					WithArgs("u1").
					WillReturnError(sql.ErrNoRows)
			},
		},
		{
			name: "disabled",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT memory_enabled FROM user_preferences").
					WithArgs("u1").
					WillReturnRows(sqlmock.NewRows([]string{"memory_enabled"}).AddRow(0))
			},
			wantSet: true,
		},
		{
			name: "enabled",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT memory_enabled FROM user_preferences").
					WithArgs("u1").
					WillReturnRows(sqlmock.NewRows([]string{"memory_enabled"}).AddRow(1))
			},
			wantEnabled: true,
			wantSet:     true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t, DialectSQLite)
			tt.setupMock(mock)
			enabled, set, err := store.MemoryEnabled(context.Background(), "u1")
			if err != nil {
				t.Fatalf("MemoryEnabled() error = %v", err)
			}
			if enabled != tt.wantEnabled || set != tt.wantSet {
				t.Errorf("MemoryEnabled() = %v/%v, want %v/%v", enabled, set, tt.wantEnabled, tt.wantSet)
			}
		})
	}
}

func TestSQLStore_Migrate(t *testing.T) {
	_, mock, store := setupMockDB(t, DialectPostgres)
	for i := 0; i < 9; i++ {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestOpenSQLRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenSQL(context.Background(), "mysql", "dsn", nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
