package llm

import (
	"context"
	"sync"
	"time"
)

// QuotaGuard enforces a per-user daily token budget around a Caller.
// Usage is tracked in memory and resets at UTC midnight.
type QuotaGuard struct {
	next  Caller
	limit int
	now   func() time.Time

	mu    sync.Mutex
	day   string
	usage map[string]int
}

// NewQuotaGuard wraps next. A limit <= 0 disables enforcement.
func NewQuotaGuard(next Caller, dailyTokens int) *QuotaGuard {
	return &QuotaGuard{next: next, limit: dailyTokens, now: time.Now, usage: make(map[string]int)}
}

// Call implements Caller.
func (q *QuotaGuard) Call(ctx context.Context, req *Request) (*Response, error) {
	if q.limit <= 0 || req.UserID == "" {
		return q.next.Call(ctx, req)
	}
	if used := q.Used(req.UserID); used >= q.limit {
		return nil, &QuotaExceededError{UserID: req.UserID, Limit: q.limit, Used: used}
	}
	resp, err := q.next.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	total := resp.Usage.TotalTokens
	if total == 0 {
		total = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	q.add(req.UserID, total)
	return resp, nil
}

// Used returns the tokens consumed today by userID.
func (q *QuotaGuard) Used(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	return q.usage[userID]
}

func (q *QuotaGuard) add(userID string, tokens int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	q.usage[userID] += tokens
}

func (q *QuotaGuard) rollover() {
	day := q.now().UTC().Format("2006-01-02")
	if day != q.day {
		q.day = day
		q.usage = make(map[string]int)
	}
}
