package agent

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/conductor/pkg/models"
)

// EventSink receives stream events in order.
type EventSink interface {
	Emit(ctx context.Context, e models.StreamEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, e models.StreamEvent)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, e models.StreamEvent) {
	f(ctx, e)
}

// ChanSink forwards events to a channel. Sends block until the consumer
// reads or ctx ends; a terminal event still gets a non-blocking attempt
// after cancellation.
type ChanSink struct {
	ch chan<- models.StreamEvent
}

// NewChanSink creates a sink that sends to ch.
func NewChanSink(ch chan<- models.StreamEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends e to the channel.
func (s *ChanSink) Emit(ctx context.Context, e models.StreamEvent) {
	select {
	case s.ch <- e:
		return
	case <-ctx.Done():
	}
	if e.IsTerminal() {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// collector keeps every event; used by Run.
type collector struct {
	mu     sync.Mutex
	events []models.StreamEvent
}

func (c *collector) Emit(_ context.Context, e models.StreamEvent) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// Emitter numbers events with a per-run counter starting at 1 and refuses
// anything after the first terminal event.
type Emitter struct {
	sink     EventSink
	sequence atomic.Uint64

	mu       sync.Mutex
	finished bool
}

// NewEmitter creates an emitter over sink.
func NewEmitter(sink EventSink) *Emitter {
	return &Emitter{sink: sink}
}

// Emit sends one event. It reports false once the stream has terminated.
func (e *Emitter) Emit(ctx context.Context, name string, data any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return false
	}
	event := models.StreamEvent{
		Event: name,
		ID:    strconv.FormatUint(e.sequence.Add(1), 10),
		Data:  data,
	}
	if event.IsTerminal() {
		e.finished = true
	}
	if e.sink != nil {
		e.sink.Emit(ctx, event)
	}
	return true
}

// Finished reports whether a terminal event was emitted.
func (e *Emitter) Finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// Progress emits a progress event.
func (e *Emitter) Progress(ctx context.Context, round models.RoundInfo, stage, message string) {
	e.Emit(ctx, models.EventProgress, models.ProgressData{Round: round, Stage: stage, Message: message})
}

// Final emits the terminal success event.
func (e *Emitter) Final(ctx context.Context, round models.RoundInfo, result *models.Result) {
	e.Emit(ctx, models.EventFinal, models.FinalData{
		Round:      round,
		Answer:     result.Answer,
		StopReason: result.StopReason,
		Usage:      result.Usage,
		SessionID:  result.SessionID,
	})
}

// Error emits the terminal failure event.
func (e *Emitter) Error(ctx context.Context, round models.RoundInfo, err error) {
	e.Emit(ctx, models.EventError, models.ErrorData{
		Round:   round,
		Kind:    string(ClassifyError(err)),
		Message: err.Error(),
	})
}
