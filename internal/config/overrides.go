package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Overrides are the per-request settings a caller may change. Nil fields keep
// the configured value.
type Overrides struct {
	MaxRounds    *int
	MaxTokens    *int
	Temperature  *float64
	MaxContext   *int
	HistoryRatio *float64
}

// ParseOverrides reads the recognized keys of a request's config_overrides.
// Unknown keys are ignored; a recognized key with a non-numeric value is an
// error.
func ParseOverrides(raw map[string]any) (Overrides, error) {
	var out Overrides
	for key, value := range raw {
		var err error
		switch key {
		case "max_rounds":
			out.MaxRounds, err = intOverride(key, value)
		case "max_tokens":
			out.MaxTokens, err = intOverride(key, value)
		case "max_context":
			out.MaxContext, err = intOverride(key, value)
		case "temperature":
			out.Temperature, err = floatOverride(key, value)
		case "history_compaction_ratio":
			out.HistoryRatio, err = floatOverride(key, value)
		}
		if err != nil {
			return Overrides{}, err
		}
	}
	return out, nil
}

// Apply returns a copy of rounds with the overrides applied.
func (o Overrides) Apply(rounds RoundsConfig) RoundsConfig {
	if o.MaxRounds != nil && *o.MaxRounds > 0 {
		rounds.MaxRounds = *o.MaxRounds
	}
	if o.MaxTokens != nil && *o.MaxTokens > 0 {
		rounds.MaxTokens = *o.MaxTokens
	}
	if o.Temperature != nil {
		t := *o.Temperature
		rounds.Temperature = &t
	}
	return rounds
}

func toFloat(key string, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("config_overrides.%s: %q is not a number", key, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("config_overrides.%s: unsupported value %v", key, value)
	}
}

func floatOverride(key string, value any) (*float64, error) {
	f, err := toFloat(key, value)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("config_overrides.%s: must be finite", key)
	}
	return &f, nil
}

func intOverride(key string, value any) (*int, error) {
	f, err := toFloat(key, value)
	if err != nil {
		return nil, err
	}
	if f != math.Trunc(f) || f < 0 || f > math.MaxInt32 {
		return nil, fmt.Errorf("config_overrides.%s: must be a non-negative integer", key)
	}
	n := int(f)
	return &n, nil
}
