package agent

import (
	"fmt"
	"strconv"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Stream defect codes.
const (
	DefectMissingFinal       = "MISSING_FINAL"
	DefectMultipleTerminal   = "MULTIPLE_TERMINAL"
	DefectEventAfterTerminal = "EVENT_AFTER_TERMINAL"
	DefectNonMonotonicID     = "NON_MONOTONIC_ID"
)

// StreamDefect is one protocol violation found by ValidateStream.
type StreamDefect struct {
	Code    string
	Index   int
	Message string
}

func (d StreamDefect) String() string {
	return fmt.Sprintf("%s at event %d: %s", d.Code, d.Index, d.Message)
}

// ValidateStream checks that events end with exactly one final or error
// event and that present ids strictly increase. Gaps are allowed; ids that
// are not decimal are ignored.
func ValidateStream(events []models.StreamEvent) []StreamDefect {
	var defects []StreamDefect
	terminalAt := -1
	var lastID uint64
	haveID := false

	for i, ev := range events {
		if terminalAt >= 0 {
			code := DefectEventAfterTerminal
			if ev.IsTerminal() {
				code = DefectMultipleTerminal
			}
			defects = append(defects, StreamDefect{
				Code:    code,
				Index:   i,
				Message: fmt.Sprintf("%q after terminal event %d", ev.Event, terminalAt),
			})
		} else if ev.IsTerminal() {
			terminalAt = i
		}

		if ev.ID == "" {
			continue
		}
		id, err := strconv.ParseUint(ev.ID, 10, 64)
		if err != nil {
			continue
		}
		if haveID && id <= lastID {
			defects = append(defects, StreamDefect{
				Code:    DefectNonMonotonicID,
				Index:   i,
				Message: fmt.Sprintf("id %d does not follow %d", id, lastID),
			})
		}
		lastID = id
		haveID = true
	}

	if terminalAt < 0 {
		defects = append(defects, StreamDefect{
			Code:    DefectMissingFinal,
			Index:   len(events),
			Message: "stream ended without final or error event",
		})
	}
	return defects
}
