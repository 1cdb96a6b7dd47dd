package dose

import (
	"fmt"
	"time"
)

// RawValue flattens the dose into a plain key-value form for the
// external persistence layer.
func (d *UnfinalizedDose) RawValue() map[string]interface{} {
	raw := map[string]interface{}{
		"doseType":           int64(d.DoseType),
		"startTime":          d.StartTime,
		"duration":           d.Duration.Seconds(),
		"scheduledCertainty": int64(d.ScheduledCertainty),
		"automatic":          d.Automatic,
	}
	switch d.DoseType {
	case Bolus:
		raw["units"] = d.Units
		if d.ScheduledUnits > 0 {
			raw["scheduledUnits"] = d.ScheduledUnits
		}
	case TempBasal:
		raw["rate"] = d.Rate
		raw["isHighTemp"] = d.IsHighTemp
	}
	return raw
}

// FromRawValue rebuilds a dose from its flattened form.
func FromRawValue(raw map[string]interface{}) (*UnfinalizedDose, error) {
	doseType, ok := rawInt(raw["doseType"])
	if !ok {
		return nil, fmt.Errorf("dose raw value missing doseType: %v", raw)
	}
	startTime, ok := raw["startTime"].(time.Time)
	if !ok {
		return nil, fmt.Errorf("dose raw value missing startTime: %v", raw)
	}
	durationSec, ok := rawFloat(raw["duration"])
	if !ok {
		return nil, fmt.Errorf("dose raw value missing duration: %v", raw)
	}
	certainty, _ := rawInt(raw["scheduledCertainty"])
	automatic, _ := raw["automatic"].(bool)

	d := &UnfinalizedDose{
		DoseType:           Type(doseType),
		StartTime:          startTime,
		Duration:           time.Duration(durationSec * float64(time.Second)),
		ScheduledCertainty: Certainty(certainty),
		Automatic:          automatic,
	}
	switch d.DoseType {
	case Bolus:
		d.Units, _ = rawFloat(raw["units"])
		d.ScheduledUnits, _ = rawFloat(raw["scheduledUnits"])
	case TempBasal:
		d.Rate, _ = rawFloat(raw["rate"])
		d.IsHighTemp, _ = raw["isHighTemp"].(bool)
	}
	return d, nil
}

// rawInt tolerates the integer types different storage backends hand
// back for the same value.
func rawInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func rawFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
