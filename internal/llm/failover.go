package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Named pairs a caller with a label used in logs and metrics.
type Named struct {
	Name   string
	Caller Caller
}

// Failover tries callers in order, moving on when an error is failover-worthy.
// Quota errors and cancellations stop the chain.
type Failover struct {
	callers    []Named
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewFailover builds a failover chain. maxRetries applies per caller to
// retryable errors with linear backoff.
func NewFailover(callers []Named, maxRetries int, retryDelay time.Duration, logger *slog.Logger) *Failover {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{callers: callers, maxRetries: maxRetries, retryDelay: retryDelay, logger: logger}
}

// Call implements Caller.
func (f *Failover) Call(ctx context.Context, req *Request) (*Response, error) {
	if len(f.callers) == 0 {
		return nil, ErrNoCallers
	}
	var lastErr error
	for i, named := range f.callers {
		resp, err := f.retry(ctx, named, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if IsQuotaExceeded(err) || ctx.Err() != nil {
			return nil, err
		}
		reason := ReasonOf(err)
		if !reason.ShouldFailover() || i == len(f.callers)-1 {
			break
		}
		f.logger.Warn("llm failover",
			"from", named.Name,
			"to", f.callers[i+1].Name,
			"reason", string(reason),
			"error", err)
	}
	return nil, lastErr
}

func (f *Failover) retry(ctx context.Context, named Named, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := named.Caller.Call(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if IsQuotaExceeded(err) || errors.Is(err, context.Canceled) || !ReasonOf(err).IsRetryable() || attempt == f.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.retryDelay * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("%s: %w", named.Name, lastErr)
}
