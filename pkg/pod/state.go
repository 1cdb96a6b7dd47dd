package pod

import (
	"time"

	"github.com/avereha/pdm/pkg/dose"
	"github.com/avereha/pdm/pkg/message"
)

// NominalPodLife is the pod's rated wear time from activation.
const NominalPodLife = 72 * time.Hour

// expiryStabilityWindow guards ExpiresAt against oscillating with
// response timing jitter: a newly computed expiry only replaces the
// stored one when it is earlier, or later by more than this window.
const expiryStabilityWindow = time.Minute

// SuspendState records whether delivery is suspended and since when.
type SuspendState struct {
	Suspended bool
	At        time.Time
}

// InsulinMeasurements is the last delivered/reservoir reading taken
// from a status response.
type InsulinMeasurements struct {
	DeliveredUnits float64
	ReservoirUnits float64 // negative when the pod still reports >50U remaining
	ValidAt        time.Time
}

// State is the persisted model of one paired pod: identity, timing,
// delivery state, fault state and the unfinalized-dose ledger.
type State struct {
	Address uint32
	LTK     []byte

	BLEIdentifier      string
	FirmwareVersion    string
	BLEFirmwareVersion string
	LotNo              uint32
	LotSeq             uint32
	ProductID          uint8

	ActivatedAt time.Time // zero until the first status response
	ExpiresAt   time.Time

	SetupProgress   SetupProgress
	PrimeFinishTime time.Time

	SuspendState SuspendState
	Fault        *message.DetailedStatus

	ActiveAlertSlots        uint8
	LastInsulinMeasurements *InsulinMeasurements

	UnfinalizedBolus     *dose.UnfinalizedDose
	UnfinalizedTempBasal *dose.UnfinalizedDose
	UnfinalizedSuspend   *dose.UnfinalizedDose
	UnfinalizedResume    *dose.UnfinalizedDose
	FinalizedDoses       []*dose.UnfinalizedDose

	PendingCommand *PendingCommand

	// MsgSeq is the message-layer sequence counter carried across
	// sessions.
	MsgSeq int

	// Not persisted; both reset on restart.
	DeliveryStatusVerified bool
	LastCommsOK            bool
}

func NewState(address uint32, ltk []byte, firmwareVersion, bleFirmwareVersion string, lotNo, lotSeq uint32, productID uint8, bleIdentifier string) *State {
	return &State{
		Address:            address,
		LTK:                ltk,
		FirmwareVersion:    firmwareVersion,
		BLEFirmwareVersion: bleFirmwareVersion,
		LotNo:              lotNo,
		LotSeq:             lotSeq,
		ProductID:          productID,
		BLEIdentifier:      bleIdentifier,
		SetupProgress:      SetupAddressAssigned,
		SuspendState:       SuspendState{Suspended: false, At: time.Now()},
	}
}

func (s *State) IsActive() bool {
	return s.SetupProgress == SetupCompleted && s.Fault == nil
}

func (s *State) IsSetupComplete() bool {
	return s.SetupProgress == SetupCompleted
}

func (s *State) IsFaulted() bool {
	return s.Fault != nil ||
		s.SetupProgress == SetupActivationTimeout ||
		s.SetupProgress == SetupPodIncompatible
}

func (s *State) IsSuspended() bool {
	return s.SuspendState.Suspended
}

// DosesToStore is everything the external dose sink should know about:
// the finalized history plus any still-running deliveries.
func (s *State) DosesToStore() []*dose.UnfinalizedDose {
	out := append([]*dose.UnfinalizedDose(nil), s.FinalizedDoses...)
	for _, d := range []*dose.UnfinalizedDose{s.UnfinalizedTempBasal, s.UnfinalizedSuspend, s.UnfinalizedBolus} {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// RemoveStoredDoses drops doses from the finalized list once the
// external sink has confirmed them.
func (s *State) RemoveStoredDoses(stored []*dose.UnfinalizedDose) {
	kept := s.FinalizedDoses[:0]
	for _, d := range s.FinalizedDoses {
		confirmed := false
		for _, c := range stored {
			if d == c {
				confirmed = true
				break
			}
		}
		if !confirmed {
			kept = append(kept, d)
		}
	}
	s.FinalizedDoses = kept
}

// updatePodTimes recomputes activation and expiry from the reported
// time active, applying the stability window to expiry.
func (s *State) updatePodTimes(timeActive time.Duration, now time.Time) {
	activatedAtComputed := now.Add(-timeActive)
	if s.ActivatedAt.IsZero() {
		s.ActivatedAt = activatedAtComputed
	}
	expiresAtComputed := activatedAtComputed.Add(NominalPodLife)
	if s.ExpiresAt.IsZero() ||
		expiresAtComputed.Before(s.ExpiresAt) ||
		expiresAtComputed.After(s.ExpiresAt.Add(expiryStabilityWindow)) {
		s.ExpiresAt = expiresAtComputed
	}
}

// UpdateFromStatusResponse folds a 0x1d status response into the state.
func (s *State) UpdateFromStatusResponse(response *message.StatusResponse, now time.Time) {
	s.updatePodTimes(time.Duration(response.MinutesActive)*time.Minute, now)
	bolusNotDelivered := dose.UnitsFromPulses(response.BolusRemainingPulses)
	s.UpdateDeliveryStatus(response.DeliveryStatus, response.PodProgress, bolusNotDelivered, now)
	reservoir := -1.0
	if response.ReservoirKnown() {
		reservoir = dose.UnitsFromPulses(response.ReservoirPulses)
	}
	s.LastInsulinMeasurements = &InsulinMeasurements{
		DeliveredUnits: dose.UnitsFromPulses(response.DeliveredPulses),
		ReservoirUnits: reservoir,
		ValidAt:        now,
	}
	s.ActiveAlertSlots = response.AlertSlots
}

// UpdateFromDetailedStatusResponse folds a detailed status page into
// the state. The fault record itself is set by the session layer.
func (s *State) UpdateFromDetailedStatusResponse(response *message.DetailedStatus, now time.Time) {
	s.updatePodTimes(time.Duration(response.MinutesActive)*time.Minute, now)
	bolusNotDelivered := dose.UnitsFromPulses(response.BolusRemainingPulses)
	s.UpdateDeliveryStatus(response.DeliveryStatus, response.PodProgress, bolusNotDelivered, now)
	s.LastInsulinMeasurements = &InsulinMeasurements{
		DeliveredUnits: dose.UnitsFromPulses(response.DeliveredPulses),
		ReservoirUnits: dose.UnitsFromPulses(response.ReservoirPulses),
		ValidAt:        now,
	}
	s.ActiveAlertSlots = response.UnacknowledgedAlerts
}

// FinalizeFinishedDoses moves any bolus or temp basal whose computed
// end time has passed into the finalized list.
func (s *State) FinalizeFinishedDoses(now time.Time) {
	if b := s.UnfinalizedBolus; b != nil && b.IsFinishedAt(now) {
		s.FinalizedDoses = append(s.FinalizedDoses, b)
		s.UnfinalizedBolus = nil
	}
	if tb := s.UnfinalizedTempBasal; tb != nil && tb.IsFinishedAt(now) {
		s.FinalizedDoses = append(s.FinalizedDoses, tb)
		s.UnfinalizedTempBasal = nil
	}
}

// UpdateDeliveryStatus reconciles the pod's reported delivery state
// against the local dose ledger.
func (s *State) UpdateDeliveryStatus(deliveryStatus message.DeliveryStatus, progress message.PodProgress, bolusNotDelivered float64, now time.Time) {
	s.DeliveryStatusVerified = true

	// The pod may report a bolus or temp basal the local model has no
	// record of (e.g. after a controller restart mid-delivery).
	if deliveryStatus.Bolusing() && s.UnfinalizedBolus == nil {
		s.DeliveryStatusVerified = false
		if progress.ReadyForDelivery() {
			// Capture what we can: the remaining undelivered amount.
			s.UnfinalizedBolus = dose.NewBolus(bolusNotDelivered, now, dose.Certain, false)
		}
	}
	if deliveryStatus.TempBasalRunning() && s.UnfinalizedTempBasal == nil {
		s.DeliveryStatusVerified = false
	}

	s.FinalizeFinishedDoses(now)

	if b := s.UnfinalizedBolus; b != nil && b.ScheduledCertainty == dose.Uncertain {
		if deliveryStatus.Bolusing() {
			b.ScheduledCertainty = dose.Certain
		} else {
			s.UnfinalizedBolus = nil
		}
	}

	if tb := s.UnfinalizedTempBasal; tb != nil && tb.ScheduledCertainty == dose.Uncertain {
		if deliveryStatus.TempBasalRunning() {
			tb.ScheduledCertainty = dose.Certain
		} else {
			s.UnfinalizedTempBasal = nil
		}
	}

	if r := s.UnfinalizedResume; r != nil && r.ScheduledCertainty == dose.Uncertain {
		if !deliveryStatus.Suspended() {
			r.ScheduledCertainty = dose.Certain
		} else {
			s.UnfinalizedResume = nil
		}
	}

	if susp := s.UnfinalizedSuspend; susp != nil {
		if susp.ScheduledCertainty == dose.Uncertain {
			if deliveryStatus.Suspended() {
				susp.ScheduledCertainty = dose.Certain
			} else {
				s.UnfinalizedSuspend = nil
			}
		}

		if r := s.UnfinalizedResume; s.UnfinalizedSuspend != nil && r != nil && susp.StartTime.Before(r.StartTime) {
			s.FinalizedDoses = append(s.FinalizedDoses, susp, r)
			s.UnfinalizedSuspend = nil
			s.UnfinalizedResume = nil
		}
	}
}

// ResolveAnyPendingCommandWithUncertainty reconciles a command whose
// outcome was never learned, erring in the direction of assuming
// insulin was delivered. Always clears the pending command.
func (s *State) ResolveAnyPendingCommandWithUncertainty(now time.Time) {
	cmd := s.PendingCommand
	if cmd == nil {
		return
	}
	defer func() { s.PendingCommand = nil }()

	if cmd.Program != nil {
		d := cmd.Program.UnfinalizedDose(cmd.CommandDate, dose.Uncertain)
		if d == nil {
			return
		}
		switch d.DoseType {
		case dose.Bolus:
			if d.IsFinishedAt(now) {
				s.FinalizedDoses = append(s.FinalizedDoses, d)
			} else {
				s.UnfinalizedBolus = d
			}
		case dose.TempBasal:
			// Assume a high temp succeeded, but a low temp failed.
			if cmd.Program.IsHighTemp {
				if d.IsFinishedAt(now) {
					s.FinalizedDoses = append(s.FinalizedDoses, d)
				} else {
					s.UnfinalizedTempBasal = d
				}
			}
		case dose.Resume:
			s.FinalizedDoses = append(s.FinalizedDoses, d)
		}
		return
	}

	// Stop commands reduce delivery, so they are assumed to have
	// failed -- except stopping a still-running high temp, where
	// assuming failure would under-count delivered insulin.
	if cmd.StopDelivery.Contains(message.DeliveryTypeTempBasal) {
		if tb := s.UnfinalizedTempBasal; tb != nil && tb.IsHighTemp && !tb.IsFinishedAt(cmd.CommandDate) {
			tb.Cancel(cmd.CommandDate)
		}
	}
}
