package agent

import (
	"context"
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

func ev(name, id string) models.StreamEvent {
	return models.StreamEvent{Event: name, ID: id}
}

func TestValidateStream(t *testing.T) {
	tests := []struct {
		name   string
		events []models.StreamEvent
		want   []string
	}{
		{
			name:   "well formed",
			events: []models.StreamEvent{ev("progress", "1"), ev("llm_request", "2"), ev("final", "3")},
		},
		{
			name:   "gaps allowed",
			events: []models.StreamEvent{ev("progress", "1"), ev("progress", "7"), ev("error", "9")},
		},
		{
			name:   "ids optional",
			events: []models.StreamEvent{ev("progress", ""), ev("final", "")},
		},
		{
			name:   "missing final",
			events: []models.StreamEvent{ev("progress", "1"), ev("tool_call", "2")},
			want:   []string{DefectMissingFinal},
		},
		{
			name:   "empty stream",
			events: nil,
			want:   []string{DefectMissingFinal},
		},
		{
			name:   "two terminals",
			events: []models.StreamEvent{ev("final", "1"), ev("error", "2")},
			want:   []string{DefectMultipleTerminal},
		},
		{
			name:   "event after final",
			events: []models.StreamEvent{ev("final", "1"), ev("progress", "2")},
			want:   []string{DefectEventAfterTerminal},
		},
		{
			name:   "repeated id",
			events: []models.StreamEvent{ev("progress", "2"), ev("progress", "2"), ev("final", "3")},
			want:   []string{DefectNonMonotonicID},
		},
		{
			name:   "decreasing id",
			events: []models.StreamEvent{ev("progress", "5"), ev("final", "4")},
			want:   []string{DefectNonMonotonicID},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defects := ValidateStream(tt.events)
			if len(defects) != len(tt.want) {
				t.Fatalf("ValidateStream() = %v, want codes %v", defects, tt.want)
			}
			for i, code := range tt.want {
				if defects[i].Code != code {
					t.Errorf("defect[%d] = %s, want %s", i, defects[i].Code, code)
				}
			}
		})
	}
}

func TestEmitterSequence(t *testing.T) {
	sink := &collector{}
	e := NewEmitter(sink)
	ctx := context.Background()

	e.Progress(ctx, models.RoundInfo{UserRound: 1}, StageStarted, "")
	e.Emit(ctx, models.EventLLMRequest, nil)
	e.Final(ctx, models.RoundInfo{UserRound: 1, ModelRound: 1}, &models.Result{Answer: "a"})
	if e.Emit(ctx, models.EventProgress, nil) {
		t.Error("Emit() after final = true, want false")
	}
	e.Error(ctx, models.RoundInfo{}, ErrUserBusy)

	if len(sink.events) != 3 {
		t.Fatalf("events = %d, want 3", len(sink.events))
	}
	for i, want := range []string{"1", "2", "3"} {
		if sink.events[i].ID != want {
			t.Errorf("events[%d].ID = %q, want %q", i, sink.events[i].ID, want)
		}
	}
	if !e.Finished() {
		t.Error("Finished() = false, want true")
	}
	if defects := ValidateStream(sink.events); len(defects) != 0 {
		t.Errorf("ValidateStream() = %v", defects)
	}
}

func TestChanSinkDeliversTerminalAfterCancel(t *testing.T) {
	ch := make(chan models.StreamEvent, 1)
	sink := NewChanSink(ch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink.Emit(ctx, models.StreamEvent{Event: models.EventError, ID: "1"})
	select {
	case got := <-ch:
		if got.Event != models.EventError {
			t.Errorf("event = %q, want error", got.Event)
		}
	default:
		t.Error("terminal event dropped after cancellation")
	}
}
