// Package compaction keeps a conversation inside a model's context budget by
// replacing older turns with an LLM-generated summary. The summary is stored
// as a tagged system message in the append-only log so history replay can
// reconstruct the compacted view without in-memory state.
package compaction

import (
	"math"

	"github.com/haasonsaas/conductor/pkg/models"
)

const (
	// DefaultRatio caps the overflow limit at a fraction of the context window.
	DefaultRatio = 0.9

	// DefaultHistoryRatio is used when the configured history ratio is <= 0.
	DefaultHistoryRatio = 0.8

	// DefaultMaxOutputReserve is held back for the model's answer.
	DefaultMaxOutputReserve = 4096

	// DefaultSafetyMargin absorbs token estimation error.
	DefaultSafetyMargin = 1024

	// DefaultSummaryMaxTokens caps the summary call's output budget.
	DefaultSummaryMaxTokens = 1024

	// DefaultSummaryFallback replaces the summary when the summary call fails.
	DefaultSummaryFallback = "Earlier conversation was compacted, but its summary is unavailable. Ask the user to restate anything important."

	// MaxTrimIterations bounds the truncate-and-recheck loops.
	MaxTrimIterations = 3
)

// Trigger is the outcome of the compaction policy check.
type Trigger struct {
	Fire   bool
	Reason string
}

// ComputeLimit returns min(maxContext-reserve-margin, maxContext*ratio),
// clamped to >= 1. It returns 0 when maxContext is unset, which disables
// overflow compaction.
func ComputeLimit(maxContext, maxOutputReserve, safetyMargin int, ratio float64) int {
	if maxContext <= 0 {
		return 0
	}
	if maxOutputReserve < 0 {
		maxOutputReserve = 0
	}
	if safetyMargin < 0 {
		safetyMargin = 0
	}
	ratio = NormalizeRatio(ratio, DefaultRatio)

	headroom := int64(maxContext) - int64(maxOutputReserve) - int64(safetyMargin)
	scaled := int64(math.Floor(float64(maxContext) * ratio))
	limit := min(headroom, scaled)
	if limit < 1 {
		return 1
	}
	return int(limit)
}

// NormalizeRatio treats values > 1 as percentages, clamps to <= 1 and
// substitutes def for values <= 0.
func NormalizeRatio(ratio, def float64) float64 {
	if math.IsNaN(ratio) || ratio <= 0 {
		return def
	}
	if ratio > 1 {
		ratio /= 100
	}
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// HistoryThreshold returns maxContext*ratio (normalized), or false when
// maxContext is unset.
func HistoryThreshold(maxContext int, ratio float64) (int, bool) {
	if maxContext <= 0 {
		return 0, false
	}
	threshold := int(math.Floor(float64(maxContext) * NormalizeRatio(ratio, DefaultHistoryRatio)))
	if threshold < 1 {
		threshold = 1
	}
	return threshold, true
}

// Decide evaluates both triggers. A nil historyThreshold disables the
// history trigger; a limit of 0 disables the overflow trigger. Overflow wins
// when both fire.
func Decide(contextTokens, limit int, historyThreshold *int) Trigger {
	if limit > 0 && contextTokens >= limit {
		return Trigger{Fire: true, Reason: models.CompactionReasonOverflow}
	}
	if historyThreshold != nil && *historyThreshold > 0 && contextTokens >= *historyThreshold {
		return Trigger{Fire: true, Reason: models.CompactionReasonHistory}
	}
	return Trigger{}
}

// Budget carries the per-request context window parameters. Zero fields
// inherit the compactor's configuration.
type Budget struct {
	MaxContext       int
	MaxOutputReserve int
	SafetyMargin     int
	Ratio            float64
	HistoryRatio     float64
	DisableHistory   bool
}

func (b Budget) merge(base Budget) Budget {
	if b.MaxContext == 0 {
		b.MaxContext = base.MaxContext
	}
	if b.MaxOutputReserve == 0 {
		b.MaxOutputReserve = base.MaxOutputReserve
	}
	if b.SafetyMargin == 0 {
		b.SafetyMargin = base.SafetyMargin
	}
	if b.Ratio == 0 {
		b.Ratio = base.Ratio
	}
	if b.HistoryRatio == 0 {
		b.HistoryRatio = base.HistoryRatio
	}
	b.DisableHistory = b.DisableHistory || base.DisableHistory
	return b
}

// Limit computes the overflow limit for the budget.
func (b Budget) Limit() int {
	return ComputeLimit(b.MaxContext, b.MaxOutputReserve, b.SafetyMargin, b.Ratio)
}

// Evaluate runs Decide for contextTokens under this budget.
func (b Budget) Evaluate(contextTokens int) Trigger {
	var threshold *int
	if !b.DisableHistory {
		if t, ok := HistoryThreshold(b.MaxContext, b.HistoryRatio); ok {
			threshold = &t
		}
	}
	return Decide(contextTokens, b.Limit(), threshold)
}
