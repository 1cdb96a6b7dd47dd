package dose

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRounding(t *testing.T) {
	tests := []struct {
		units float64
		want  float64
	}{
		{0.0, 0.0},
		{0.024, 0.0},
		{0.025, 0.05},
		{1.02, 1.0},
		{1.03, 1.05},
		{2.0, 2.0},
	}
	for _, tt := range tests {
		if got := RoundToSupportedVolume(tt.units); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RoundToSupportedVolume(%v) = %v, want %v", tt.units, got, tt.want)
		}
	}
}

func TestPulseConversions(t *testing.T) {
	if got := Pulses(2.0); got != 40 {
		t.Errorf("Pulses(2.0) = %d, want 40", got)
	}
	if got := TenthPulses(2.0); got != 400 {
		t.Errorf("TenthPulses(2.0) = %d, want 400", got)
	}
	if got := UnitsFromPulses(40); got != 2.0 {
		t.Errorf("UnitsFromPulses(40) = %v, want 2.0", got)
	}
	// 2.0U at 0.025 U/s takes 80 seconds.
	if got := BolusDuration(2.0); got != 80*time.Second {
		t.Errorf("BolusDuration(2.0) = %v, want 80s", got)
	}
}

func TestBolus_Finish(t *testing.T) {
	start := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBolus(2.0, start, Certain, false)

	if b.IsFinishedAt(start.Add(79 * time.Second)) {
		t.Errorf("bolus should still be running at 79s")
	}
	if !b.IsFinishedAt(start.Add(80 * time.Second)) {
		t.Errorf("bolus should be finished at 80s")
	}
	if got := b.Progress(start.Add(40 * time.Second)); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("Progress at halfway = %v, want 0.5", got)
	}
}

func TestBolus_Cancel(t *testing.T) {
	start := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBolus(2.0, start, Certain, false)

	// Cancel halfway: 1.0U delivered, already a pulse multiple.
	b.Cancel(start.Add(40 * time.Second))

	if b.ScheduledUnits != 2.0 {
		t.Errorf("ScheduledUnits = %v, want the original 2.0", b.ScheduledUnits)
	}
	if math.Abs(b.Units-1.0) > 1e-9 {
		t.Errorf("Units = %v, want 1.0", b.Units)
	}
	if b.Duration != 40*time.Second {
		t.Errorf("Duration = %v, want 40s", b.Duration)
	}
	if !b.IsFinishedAt(start.Add(40 * time.Second)) {
		t.Errorf("canceled bolus should be finished at its cancel time")
	}
}

func TestBolus_CancelRoundsDownToPulse(t *testing.T) {
	start := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBolus(2.0, start, Certain, false)

	// 41s in: 1.025U delivered, floor to 1.0U.
	b.Cancel(start.Add(41 * time.Second))
	if math.Abs(b.Units-1.0) > 1e-9 {
		t.Errorf("Units = %v, want 1.0 after floor to pulse size", b.Units)
	}
}

func TestCancel_FinishedDoseUntouched(t *testing.T) {
	start := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBolus(1.0, start, Certain, false)
	b.Cancel(start.Add(time.Hour))
	if b.Units != 1.0 || b.ScheduledUnits != 0 {
		t.Errorf("canceling a finished bolus should be a no-op, got %s", b)
	}
}

func TestSuspendResume_AlwaysFinished(t *testing.T) {
	start := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	if !NewSuspend(start, Certain).IsFinishedAt(start) {
		t.Errorf("a suspend marker is never in flight")
	}
	if !NewResume(start, Uncertain).IsFinishedAt(start) {
		t.Errorf("a resume marker is never in flight")
	}
}

func TestRawValue_RoundTrip(t *testing.T) {
	start := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		dose *UnfinalizedDose
	}{
		{
			name: "bolus",
			dose: NewBolus(2.0, start, Certain, false),
		},
		{
			name: "automatic uncertain temp basal",
			dose: NewTempBasal(3.5, 30*time.Minute, start, Uncertain, true, true),
		},
		{
			name: "suspend",
			dose: NewSuspend(start, Certain),
		},
		{
			name: "canceled bolus",
			dose: func() *UnfinalizedDose {
				b := NewBolus(2.0, start, Certain, false)
				b.Cancel(start.Add(40 * time.Second))
				return b
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromRawValue(tt.dose.RawValue())
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.dose, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
