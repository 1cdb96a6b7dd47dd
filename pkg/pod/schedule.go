package pod

import (
	"fmt"
	"time"
)

// BasalScheduleEntry is one rate segment of the daily basal program,
// starting at an offset from midnight.
type BasalScheduleEntry struct {
	Rate        float64 `toml:"rate"` // units per hour
	StartMinute int     `toml:"start_minute"`
}

// BasalSchedule is the programmed daily basal pattern, entries ordered
// by start time with the first at midnight.
type BasalSchedule struct {
	Entries []BasalScheduleEntry `toml:"entries"`
}

func NewBasalSchedule(entries []BasalScheduleEntry) (*BasalSchedule, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("basal schedule needs at least one entry")
	}
	if entries[0].StartMinute != 0 {
		return nil, fmt.Errorf("basal schedule must start at midnight, got minute %d", entries[0].StartMinute)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].StartMinute <= entries[i-1].StartMinute {
			return nil, fmt.Errorf("basal schedule entries out of order at index %d", i)
		}
	}
	return &BasalSchedule{Entries: entries}, nil
}

// RateAt returns the scheduled rate at the given local time.
func (s *BasalSchedule) RateAt(t time.Time) float64 {
	minute := t.Hour()*60 + t.Minute()
	rate := s.Entries[0].Rate
	for _, e := range s.Entries {
		if e.StartMinute > minute {
			break
		}
		rate = e.Rate
	}
	return rate
}

func (s *BasalSchedule) rawValue() []interface{} {
	out := make([]interface{}, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, map[string]interface{}{
			"rate":        e.Rate,
			"startMinute": int64(e.StartMinute),
		})
	}
	return out
}

func scheduleFromRaw(raw []interface{}) (*BasalSchedule, error) {
	var entries []BasalScheduleEntry
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("bad basal schedule entry: %v", item)
		}
		rate, _ := rawFloat(m["rate"])
		start, _ := rawInt(m["startMinute"])
		entries = append(entries, BasalScheduleEntry{Rate: rate, StartMinute: int(start)})
	}
	return NewBasalSchedule(entries)
}
