package dose

import (
	"fmt"
	"math"
	"time"
)

// Pod delivery characteristics. All programmed amounts are multiples
// of one pulse; boluses are delivered at a fixed rate.
const (
	PulseSize         = 0.05  // units per pulse
	BolusDeliveryRate = 0.025 // units per second
)

// RoundToSupportedVolume rounds units to the pod's pulse granularity.
func RoundToSupportedVolume(units float64) float64 {
	return math.Round(units/PulseSize) * PulseSize
}

// RoundToSupportedRate rounds a basal rate (U/h) to the pod's pulse
// granularity.
func RoundToSupportedRate(unitsPerHour float64) float64 {
	return math.Round(unitsPerHour/PulseSize) * PulseSize
}

// Pulses converts units to whole pulses.
func Pulses(units float64) uint16 {
	return uint16(math.Round(units / PulseSize))
}

// TenthPulses converts units to tenths of pulses, the fixed-point form
// used by the programming blocks.
func TenthPulses(units float64) uint16 {
	return uint16(math.Round(units / PulseSize * 10))
}

// UnitsFromPulses converts whole pulses back to units.
func UnitsFromPulses(pulses uint16) float64 {
	return float64(pulses) * PulseSize
}

// BolusDuration returns how long the pod takes to deliver a bolus.
func BolusDuration(units float64) time.Duration {
	return time.Duration(units/BolusDeliveryRate) * time.Second
}

type Type int

const (
	Bolus Type = iota
	TempBasal
	Suspend
	Resume
)

func (t Type) String() string {
	switch t {
	case Bolus:
		return "bolus"
	case TempBasal:
		return "tempBasal"
	case Suspend:
		return "suspend"
	case Resume:
		return "resume"
	}
	return fmt.Sprintf("doseType(%d)", int(t))
}

// Certainty is the model's belief about whether the pod actually
// scheduled this dose.
type Certainty int

const (
	Certain Certainty = iota
	Uncertain
)

func (c Certainty) String() string {
	if c == Uncertain {
		return "uncertain"
	}
	return "certain"
}

// UnfinalizedDose is one in-flight or recently finished delivery whose
// outcome has not yet been committed to dose history.
type UnfinalizedDose struct {
	DoseType  Type
	StartTime time.Time
	Duration  time.Duration

	Units          float64 // bolus: units delivered (or expected)
	ScheduledUnits float64 // bolus: original programmed amount, set when canceled early
	Rate           float64 // temp basal: units per hour

	ScheduledCertainty Certainty
	Automatic          bool
	IsHighTemp         bool
}

func NewBolus(units float64, startTime time.Time, certainty Certainty, automatic bool) *UnfinalizedDose {
	return &UnfinalizedDose{
		DoseType:           Bolus,
		StartTime:          startTime,
		Duration:           BolusDuration(units),
		Units:              units,
		ScheduledCertainty: certainty,
		Automatic:          automatic,
	}
}

func NewTempBasal(rate float64, duration time.Duration, startTime time.Time, certainty Certainty, automatic, isHighTemp bool) *UnfinalizedDose {
	return &UnfinalizedDose{
		DoseType:           TempBasal,
		StartTime:          startTime,
		Duration:           duration,
		Rate:               rate,
		ScheduledCertainty: certainty,
		Automatic:          automatic,
		IsHighTemp:         isHighTemp,
	}
}

func NewSuspend(startTime time.Time, certainty Certainty) *UnfinalizedDose {
	return &UnfinalizedDose{
		DoseType:           Suspend,
		StartTime:          startTime,
		ScheduledCertainty: certainty,
	}
}

func NewResume(startTime time.Time, certainty Certainty) *UnfinalizedDose {
	return &UnfinalizedDose{
		DoseType:           Resume,
		StartTime:          startTime,
		ScheduledCertainty: certainty,
	}
}

// EndTime is the computed finish time. Suspend and resume markers have
// no duration.
func (d *UnfinalizedDose) EndTime() time.Time {
	return d.StartTime.Add(d.Duration)
}

func (d *UnfinalizedDose) IsFinished() bool {
	return d.IsFinishedAt(time.Now())
}

func (d *UnfinalizedDose) IsFinishedAt(t time.Time) bool {
	if d.Duration == 0 {
		return true
	}
	return !t.Before(d.EndTime())
}

// Progress is the fraction of the dose delivered at t, clamped to 0-1.
func (d *UnfinalizedDose) Progress(t time.Time) float64 {
	if d.Duration == 0 {
		return 1
	}
	elapsed := t.Sub(d.StartTime)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= d.Duration {
		return 1
	}
	return float64(elapsed) / float64(d.Duration)
}

// Cancel truncates the dose at t. A canceled bolus keeps its original
// programmed amount in ScheduledUnits and reduces Units to the portion
// actually delivered, rounded down to whole pulses.
func (d *UnfinalizedDose) Cancel(t time.Time) {
	if d.IsFinishedAt(t) {
		return
	}
	progress := d.Progress(t)
	if d.DoseType == Bolus {
		d.ScheduledUnits = d.Units
		delivered := d.Units * progress
		d.Units = math.Floor(delivered/PulseSize) * PulseSize
	}
	d.Duration = t.Sub(d.StartTime)
	if d.Duration < 0 {
		d.Duration = 0
	}
}

func (d *UnfinalizedDose) String() string {
	switch d.DoseType {
	case Bolus:
		return fmt.Sprintf("Bolus(%.2fU %s %v %s)", d.Units, d.StartTime.Format(time.RFC3339), d.Duration, d.ScheduledCertainty)
	case TempBasal:
		return fmt.Sprintf("TempBasal(%.2fU/h %s %v high:%v %s)", d.Rate, d.StartTime.Format(time.RFC3339), d.Duration, d.IsHighTemp, d.ScheduledCertainty)
	default:
		return fmt.Sprintf("%s(%s %s)", d.DoseType, d.StartTime.Format(time.RFC3339), d.ScheduledCertainty)
	}
}
