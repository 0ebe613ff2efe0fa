package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

func msgAt(id string, role models.Role, content string, ts time.Time) *models.Message {
	return &models.Message{ID: id, UserID: "u1", SessionID: "s1", Role: role, Content: content, CreatedAt: ts}
}

func summaryAt(id string, ts, until time.Time) *models.Message {
	return &models.Message{
		ID:        id,
		UserID:    "u1",
		SessionID: "s1",
		Role:      models.RoleSystem,
		Content:   "earlier work",
		Meta: map[string]any{
			models.MetaType:             models.MessageTypeCompactionSummary,
			models.MetaCompactedUntilTS: models.TimestampMillis(until),
		},
		CreatedAt: ts,
	}
}

func ids(msgs []*models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestReplayHistory(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	at := func(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

	tests := []struct {
		name  string
		items []*models.Message
		want  []string
	}{
		{
			name: "no summary",
			items: []*models.Message{
				msgAt("a", models.RoleUser, "hi", at(0)),
				msgAt("b", models.RoleAssistant, "hello", at(1)),
			},
			want: []string{"a", "b"},
		},
		{
			name: "summary hides older items",
			items: []*models.Message{
				msgAt("a", models.RoleUser, "q1", at(0)),
				msgAt("b", models.RoleAssistant, "a1", at(10)),
				msgAt("c", models.RoleUser, "q2", at(20)),
				summaryAt("sum", at(30), at(10)),
				msgAt("c2", models.RoleUser, "q2", at(31)),
				msgAt("d", models.RoleAssistant, "a2", at(40)),
			},
			want: []string{"sum", "c2", "d"},
		},
		{
			name: "latest summary wins",
			items: []*models.Message{
				msgAt("a", models.RoleUser, "q1", at(0)),
				summaryAt("sum1", at(5), at(0)),
				msgAt("b", models.RoleUser, "q2", at(10)),
				summaryAt("sum2", at(20), at(10)),
				msgAt("c", models.RoleAssistant, "a3", at(25)),
			},
			want: []string{"sum2", "c"},
		},
		{
			name: "index order without timestamps",
			items: []*models.Message{
				{ID: "a", Role: models.RoleUser, Content: "q1"},
				{ID: "sum", Role: models.RoleSystem, Content: "s", Meta: map[string]any{models.MetaType: models.MessageTypeCompactionSummary}},
				{ID: "b", Role: models.RoleUser, Content: "q2"},
			},
			want: []string{"sum", "b"},
		},
		{
			name: "boundary suppresses late writes at or before compacted_until_ts",
			items: []*models.Message{
				summaryAt("sum", at(10), at(50)),
				msgAt("late", models.RoleTool, "obs", at(40)),
				msgAt("new", models.RoleUser, "q", at(60)),
			},
			want: []string{"sum", "new"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReplayHistory(tt.items)
			gotIDs := ids(got)
			if len(gotIDs) != len(tt.want) {
				t.Fatalf("ReplayHistory() = %v, want %v", gotIDs, tt.want)
			}
			for i := range tt.want {
				if gotIDs[i] != tt.want[i] {
					t.Fatalf("ReplayHistory() = %v, want %v", gotIDs, tt.want)
				}
			}
		})
	}
}

func TestReplayHistorySummaryIsSyntheticUser(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	got := ReplayHistory([]*models.Message{
		msgAt("a", models.RoleUser, "q1", base),
		summaryAt("sum", base.Add(time.Second), base),
	})
	if len(got) != 1 {
		t.Fatalf("ReplayHistory() len = %d, want 1", len(got))
	}
	first := got[0]
	if first.Role != models.RoleUser || !first.IsSynthetic() || !first.IsCompactionSummary() {
		t.Errorf("summary message = %+v, want synthetic user summary", first)
	}
	if first.Content != models.SummaryPrefix+"earlier work" {
		t.Errorf("summary content = %q", first.Content)
	}
}

func TestHistoryManagerLoad(t *testing.T) {
	store := storage.NewMemoryStore()
	mgr := NewHistoryManager(store, nil)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for _, msg := range []*models.Message{
		msgAt("a", models.RoleUser, "q1", base),
		msgAt("b", models.RoleAssistant, "a1", base.Add(time.Second)),
		summaryAt("sum", base.Add(2*time.Second), base.Add(time.Second)),
		msgAt("c", models.RoleUser, "q2", base.Add(3*time.Second)),
	} {
		if err := mgr.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	got, err := mgr.Load(ctx, "u1", "s1", 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if gotIDs := ids(got); len(gotIDs) != 2 || gotIDs[0] != "sum" || gotIDs[1] != "c" {
		t.Errorf("Load() = %v, want [sum c]", gotIDs)
	}

	empty, err := mgr.Load(ctx, "u1", "", 0)
	if err != nil || empty != nil {
		t.Errorf("Load(no session) = %v, %v, want nil, nil", empty, err)
	}
}
