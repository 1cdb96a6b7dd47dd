package session

import (
	"math"
	"time"

	"github.com/avereha/pdm/pkg/dose"
	"github.com/avereha/pdm/pkg/message"
	"github.com/avereha/pdm/pkg/pod"
)

// Dash pods use one fixed nonce; unlike Eros there is no nonce
// resync protocol.
const fixedNonce uint32 = 0x494E532E

const (
	halfHour = 30 * time.Minute
	// The pod's pulse timers count in hundredths of milliseconds.
	hundredthsOfMsPerHour   = 360_000_000
	hundredthsOfMsPerSecond = 100_000
)

// delayBetweenPulses returns the pod timer value for rate in U/h.
func delayBetweenPulses(rate float64) uint32 {
	pulsesPerHour := rate / dose.PulseSize
	if pulsesPerHour <= 0 {
		return 0
	}
	return uint32(math.Round(hundredthsOfMsPerHour / pulsesPerHour))
}

// segmentsForDuration counts half-hour segments, rounding up so a
// partial trailing segment is still programmed.
func segmentsForDuration(duration time.Duration) uint8 {
	segments := int(math.Ceil(float64(duration) / float64(halfHour)))
	if segments < 1 {
		segments = 1
	}
	if segments > 16 {
		segments = 16
	}
	return uint8(segments)
}

// scheduleEntryForRate packs one run of half-hour segments at a fixed
// rate. Rates whose half-hour pulse count is fractional set the
// alternate-segment flag so the pod rounds alternately up and down.
func scheduleEntryForRate(rate float64, segments uint8) message.InsulinScheduleEntry {
	tenthsPerSegment := math.Round(rate / 2 / dose.PulseSize * 10)
	return message.InsulinScheduleEntry{
		Segments:              segments,
		Pulses:                uint16(tenthsPerSegment) / 10,
		AlternateSegmentPulse: uint16(tenthsPerSegment)%10 >= 5,
	}
}

// bolusBlocks builds the 0x1a/0x17 pair for an immediate bolus.
func bolusBlocks(units float64, beeps message.BeepOptions) []message.Block {
	pulses := dose.Pulses(units)
	schedule := &message.SetInsulinSchedule{
		Nonce:            fixedNonce,
		ScheduleType:     message.ScheduleTypeBolus,
		CurrentSegment:   0,
		SecondsRemaining: uint16(dose.BolusDuration(units) / time.Second),
		PulsesRemaining:  pulses,
		Entries: []message.InsulinScheduleEntry{
			{Segments: 1, Pulses: pulses},
		},
	}
	extra := &message.BolusExtra{
		BeepOptions:          beeps,
		ImmediateTenthPulses: dose.TenthPulses(units),
		// One pulse every two seconds.
		TimeBetweenPulses: 2 * hundredthsOfMsPerSecond,
	}
	return []message.Block{schedule, extra}
}

// tempBasalBlocks builds the 0x1a/0x16 pair for a temp basal.
func tempBasalBlocks(rate float64, duration time.Duration, beeps message.BeepOptions) []message.Block {
	segments := segmentsForDuration(duration)
	entry := scheduleEntryForRate(rate, segments)
	schedule := &message.SetInsulinSchedule{
		Nonce:            fixedNonce,
		ScheduleType:     message.ScheduleTypeTempBasal,
		CurrentSegment:   0,
		SecondsRemaining: uint16(halfHour / time.Second),
		PulsesRemaining:  entry.Pulses,
		Entries:          []message.InsulinScheduleEntry{entry},
	}
	totalUnits := rate * duration.Hours()
	extra := &message.TempBasalExtra{
		BeepOptions:          beeps,
		RemainingTenthPulses: dose.TenthPulses(totalUnits),
		DelayUntilNextPulse:  delayBetweenPulses(rate),
		RateEntries: []message.RateEntry{{
			TotalTenthPulses:   dose.TenthPulses(totalUnits),
			DelayBetweenPulses: delayBetweenPulses(rate),
		}},
	}
	return []message.Block{schedule, extra}
}

// basalScheduleBlocks builds the 0x1a/0x13 pair programming the daily
// basal pattern, positioned at the current offset into the day.
func basalScheduleBlocks(schedule *pod.BasalSchedule, at time.Time, beeps message.BeepOptions) []message.Block {
	minuteOfDay := at.Hour()*60 + at.Minute()
	currentSegment := uint8(minuteOfDay / 30)
	secondsIntoSegment := (minuteOfDay%30)*60 + at.Second()
	secondsRemaining := uint16(int(halfHour/time.Second) - secondsIntoSegment)

	var entries []message.InsulinScheduleEntry
	var rateEntries []message.RateEntry
	var currentEntryIndex uint8
	for i, e := range schedule.Entries {
		endMinute := 24 * 60
		if i+1 < len(schedule.Entries) {
			endMinute = schedule.Entries[i+1].StartMinute
		}
		segments := uint8((endMinute - e.StartMinute) / 30)
		if segments == 0 {
			segments = 1
		}
		entries = append(entries, scheduleEntryForRate(e.Rate, segments))

		entryHours := float64(endMinute-e.StartMinute) / 60
		rateEntries = append(rateEntries, message.RateEntry{
			TotalTenthPulses:   dose.TenthPulses(e.Rate * entryHours),
			DelayBetweenPulses: delayBetweenPulses(e.Rate),
		})
		if e.StartMinute <= minuteOfDay {
			currentEntryIndex = uint8(i)
		}
	}

	currentRate := schedule.RateAt(at)
	remainingInSegment := currentRate / 2 * float64(secondsRemaining) / float64(halfHour/time.Second)

	scheduleBlock := &message.SetInsulinSchedule{
		Nonce:            fixedNonce,
		ScheduleType:     message.ScheduleTypeBasal,
		CurrentSegment:   currentSegment,
		SecondsRemaining: secondsRemaining,
		PulsesRemaining:  dose.Pulses(remainingInSegment),
		Entries:          entries,
	}
	extra := &message.BasalScheduleExtra{
		BeepOptions:              beeps,
		CurrentEntryIndex:        currentEntryIndex,
		RemainingTenthPulses:     dose.TenthPulses(remainingInSegment),
		DelayUntilNextTenthPulse: delayBetweenPulses(currentRate) / 10,
		RateEntries:              rateEntries,
	}
	return []message.Block{scheduleBlock, extra}
}
