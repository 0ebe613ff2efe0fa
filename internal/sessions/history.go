package sessions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

// HistoryManager loads conversation history with compaction applied.
type HistoryManager struct {
	store  storage.MessageStore
	logger *slog.Logger
}

// NewHistoryManager creates a HistoryManager over a message store.
func NewHistoryManager(store storage.MessageStore, logger *slog.Logger) *HistoryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryManager{store: store, logger: logger.With("component", "history")}
}

// AppendMessage persists a message to the session log.
func (h *HistoryManager) AppendMessage(ctx context.Context, msg *models.Message) error {
	return h.store.AppendMessage(ctx, msg)
}

// Load returns up to limit stored items with the latest compaction summary
// spliced in place of everything it covers.
func (h *HistoryManager) Load(ctx context.Context, userID, sessionID string, limit int) ([]*models.Message, error) {
	if sessionID == "" {
		return nil, nil
	}
	items, err := h.store.ListMessages(ctx, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	replayed := ReplayHistory(items)
	if len(replayed) != len(items) {
		h.logger.DebugContext(ctx, "history replayed from compaction summary",
			"session_id", sessionID,
			"stored", len(items),
			"replayed", len(replayed))
	}
	return replayed, nil
}

// ReplayHistory finds the most recent compaction summary and returns it as
// the first message, followed by items newer than both the summary and its
// compacted_until_ts boundary. Items are compared by timestamp when every
// item carries one, otherwise by position.
func ReplayHistory(items []*models.Message) []*models.Message {
	summaryIdx := -1
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].IsCompactionSummary() && !items[i].IsSynthetic() {
			summaryIdx = i
			break
		}
	}
	if summaryIdx < 0 {
		return items
	}

	summary := items[summaryIdx]
	until, hasUntil := summary.CompactedUntil()
	untilMs := models.TimestampMillis(until)
	byTime := !summary.CreatedAt.IsZero()
	for _, item := range items {
		if item.CreatedAt.IsZero() {
			byTime = false
			break
		}
	}

	out := make([]*models.Message, 0, len(items)-summaryIdx)
	out = append(out, models.SummaryAsUser(summary))
	for i, item := range items {
		if i == summaryIdx || item.IsCompactionSummary() {
			continue
		}
		if byTime {
			if !item.CreatedAt.After(summary.CreatedAt) {
				continue
			}
		} else if i < summaryIdx {
			continue
		}
		if hasUntil && !item.CreatedAt.IsZero() && models.TimestampMillis(item.CreatedAt) <= untilMs {
			continue
		}
		out = append(out, item)
	}
	return out
}
