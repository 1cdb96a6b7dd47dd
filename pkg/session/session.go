package session

import (
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/avereha/pdm/pkg/dose"
	"github.com/avereha/pdm/pkg/message"
	"github.com/avereha/pdm/pkg/pod"
)

const (
	responseTimeout = 5 * time.Second
	sendAttempts    = 3
)

// Outcome is the three-way result of a delivery-mutating command.
type Outcome int

const (
	// OutcomeSuccess: the pod acknowledged the command.
	OutcomeSuccess Outcome = iota
	// OutcomeCertainFailure: the command was definitely not applied.
	OutcomeCertainFailure
	// OutcomeUnacknowledged: the command may or may not have been
	// applied; the pending-command machinery will reconcile it.
	OutcomeUnacknowledged
)

// CommandResult reports a delivery command's outcome.
type CommandResult struct {
	Outcome      Outcome
	Status       *message.StatusResponse
	CanceledDose *dose.UnfinalizedDose
	Err          error
}

func success(status *message.StatusResponse) *CommandResult {
	return &CommandResult{Outcome: OutcomeSuccess, Status: status}
}

func certainFailure(err error) *CommandResult {
	return &CommandResult{Outcome: OutcomeCertainFailure, Err: err}
}

func unacknowledged(err error) *CommandResult {
	return &CommandResult{Outcome: OutcomeUnacknowledged, Err: err}
}

// Session is one exclusive exchange window with the pod. Handles are
// only valid inside RunSession's body.
type Session struct {
	comms *PodComms
	name  string
	valid bool
}

// SendMessage performs one request/response exchange: it stamps the
// next message sequence, transmits, and validates that the response
// address and sequence match. Mismatches and timeouts are retried up
// to the attempt budget; exhaustion yields ErrNoResponse.
func (s *Session) SendMessage(blocks ...message.Block) (*message.Message, error) {
	if !s.valid {
		return nil, ErrSessionInvalidated
	}

	var address uint32
	var seq int
	s.comms.WithState(func(st *pod.State) {
		address = st.Address
		seq = st.MsgSeq
	})

	msg := message.NewMessage(address, seq, blocks...)
	encoded, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	wantSeq := (seq + 1) & 0x0f

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			log.Debugf("session %q: retrying send, attempt %d: %v", s.name, attempt+1, lastErr)
		}
		if err := s.comms.transport.SendMessage(encoded); err != nil {
			lastErr = err
			continue
		}
		data, err := s.comms.transport.ReadResponse(responseTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := message.Unmarshal(data)
		if err != nil {
			// Framing errors kill this decode attempt; the send
			// itself may still be retried.
			lastErr = err
			continue
		}
		if resp.Address != address || resp.SequenceNum != wantSeq {
			lastErr = &CrosstalkError{
				ExpectedAddress: address,
				GotAddress:      resp.Address,
				ExpectedSeq:     wantSeq,
				GotSeq:          resp.SequenceNum,
			}
			continue
		}
		s.comms.MutateState(func(st *pod.State) {
			st.MsgSeq = (seq + 2) & 0x0f
			st.LastCommsOK = true
		})
		return resp, nil
	}

	s.comms.MutateState(func(st *pod.State) {
		st.LastCommsOK = false
	})
	if lastErr == nil {
		lastErr = ErrNoResponse
	}
	log.Warnf("session %q: send failed after %d attempts: %v", s.name, sendAttempts, lastErr)
	return nil, lastErr
}

// getStatusRaw fetches a status response without touching pod state.
func (s *Session) getStatusRaw() (*message.StatusResponse, error) {
	resp, err := s.SendMessage(&message.GetStatus{PodInfoType: message.PodInfoNormal})
	if err != nil {
		return nil, err
	}
	if fault := resp.Fault(); fault != nil {
		s.comms.MutateState(func(st *pod.State) {
			st.Fault = fault
			st.UpdateFromDetailedStatusResponse(fault, time.Now())
		})
		return nil, &PodFaultError{Fault: fault}
	}
	status := resp.StatusResponse()
	if status == nil {
		log.Debugf("session %q: unexpected response %s", s.name, spew.Sdump(resp))
		return nil, &UnexpectedResponseError{Message: resp}
	}
	return status, nil
}

// GetStatus fetches the pod's status and folds it into the state.
func (s *Session) GetStatus() (*message.StatusResponse, error) {
	status, err := s.getStatusRaw()
	if err != nil {
		return nil, err
	}
	s.comms.MutateState(func(st *pod.State) {
		st.UpdateFromStatusResponse(status, time.Now())
	})
	return status, nil
}

// GetDetailedStatus fetches the detailed status page, recording any
// fault it reports.
func (s *Session) GetDetailedStatus() (*message.DetailedStatus, error) {
	resp, err := s.SendMessage(&message.GetStatus{PodInfoType: message.PodInfoDetailedStatus})
	if err != nil {
		return nil, err
	}
	var ds *message.DetailedStatus
	if len(resp.Blocks) > 0 {
		if info, ok := resp.Blocks[0].(*message.PodInfoResponse); ok {
			ds = info.DetailedStatus
		}
	}
	if ds == nil {
		return nil, &UnexpectedResponseError{Message: resp}
	}
	now := time.Now()
	s.comms.MutateState(func(st *pod.State) {
		if ds.IsFaulted() {
			st.Fault = ds
		}
		st.UpdateFromDetailedStatusResponse(ds, now)
	})
	return ds, nil
}

// sendDeliveryCommand is the common path for commands that change
// delivery: the pending command is durably recorded before the
// message is transmitted, and only a matching acknowledgement clears
// it. Post-transmit failures leave it for reconciliation.
func (s *Session) sendDeliveryCommand(makePending func(seq int, at time.Time) *pod.PendingCommand, blocks []message.Block, apply func(st *pod.State, status *message.StatusResponse, now time.Time)) *CommandResult {
	if !s.valid {
		return certainFailure(ErrSessionInvalidated)
	}

	var faulted bool
	var seq int
	s.comms.WithState(func(st *pod.State) {
		faulted = st.IsFaulted()
		seq = st.MsgSeq
	})
	if faulted {
		var fault *message.DetailedStatus
		s.comms.WithState(func(st *pod.State) { fault = st.Fault })
		return certainFailure(&PodFaultError{Fault: fault})
	}

	now := time.Now()
	// Ordering matters: a crash between here and the acknowledgement
	// must leave a trail the next session can reconcile from.
	s.comms.MutateState(func(st *pod.State) {
		st.PendingCommand = makePending(seq, now)
	})

	resp, err := s.SendMessage(blocks...)
	if err != nil {
		return unacknowledged(err)
	}

	if fault := resp.Fault(); fault != nil {
		s.comms.MutateState(func(st *pod.State) {
			st.Fault = fault
			st.PendingCommand = nil
			st.UpdateFromDetailedStatusResponse(fault, now)
		})
		return certainFailure(&PodFaultError{Fault: fault})
	}
	if len(resp.Blocks) > 0 {
		if er, ok := resp.Blocks[0].(*message.ErrorResponse); ok {
			s.comms.MutateState(func(st *pod.State) {
				st.PendingCommand = nil
			})
			return certainFailure(&ErrorResponseError{Response: er})
		}
	}
	status := resp.StatusResponse()
	if status == nil {
		// Decodable but not an answer to this command; the pod's
		// state is unknown.
		return unacknowledged(&UnexpectedResponseError{Message: resp})
	}

	s.comms.MutateState(func(st *pod.State) {
		st.PendingCommand = nil
		if apply != nil {
			apply(st, status, now)
		}
		st.UpdateFromStatusResponse(status, now)
	})
	return success(status)
}

// Bolus programs an immediate bolus.
func (s *Session) Bolus(units float64, automatic bool, beeps message.BeepOptions) *CommandResult {
	log.Infof("session %q: bolus %.2fU automatic=%v", s.name, units, automatic)
	program := &pod.StartProgram{
		Type:      pod.ProgramBolus,
		Units:     units,
		Automatic: automatic,
	}
	return s.sendDeliveryCommand(
		func(seq int, at time.Time) *pod.PendingCommand {
			return pod.NewPendingProgram(program, seq, at)
		},
		bolusBlocks(units, beeps),
		func(st *pod.State, status *message.StatusResponse, now time.Time) {
			st.UnfinalizedBolus = dose.NewBolus(units, now, dose.Certain, automatic)
		},
	)
}

// SetTempBasal programs a temp basal for the given duration.
func (s *Session) SetTempBasal(rate float64, duration time.Duration, automatic, isHighTemp bool, beeps message.BeepOptions) *CommandResult {
	log.Infof("session %q: temp basal %.2fU/h for %s high=%v", s.name, rate, duration, isHighTemp)
	program := &pod.StartProgram{
		Type:       pod.ProgramTempBasal,
		Rate:       rate,
		Duration:   duration,
		Automatic:  automatic,
		IsHighTemp: isHighTemp,
	}
	return s.sendDeliveryCommand(
		func(seq int, at time.Time) *pod.PendingCommand {
			return pod.NewPendingProgram(program, seq, at)
		},
		tempBasalBlocks(rate, duration, beeps),
		func(st *pod.State, status *message.StatusResponse, now time.Time) {
			st.UnfinalizedTempBasal = dose.NewTempBasal(rate, duration, now, dose.Certain, automatic, isHighTemp)
		},
	)
}

// CancelDelivery stops the selected deliveries, reconstructing the
// canceled dose from the returned status.
func (s *Session) CancelDelivery(deliveryType message.DeliveryType, beepType message.BeepType) *CommandResult {
	log.Infof("session %q: cancel delivery 0x%x", s.name, byte(deliveryType))
	var canceled *dose.UnfinalizedDose
	result := s.sendDeliveryCommand(
		func(seq int, at time.Time) *pod.PendingCommand {
			return pod.NewPendingStop(deliveryType, seq, at)
		},
		[]message.Block{&message.CancelDelivery{
			Nonce:        fixedNonce,
			BeepType:     beepType,
			DeliveryType: deliveryType,
		}},
		func(st *pod.State, status *message.StatusResponse, now time.Time) {
			if deliveryType.Contains(message.DeliveryTypeBolus) {
				if b := st.UnfinalizedBolus; b != nil && !b.IsFinishedAt(now) {
					b.Cancel(now)
					// The pod reports exactly how much never went in.
					if b.ScheduledUnits > 0 {
						notDelivered := dose.UnitsFromPulses(status.BolusRemainingPulses)
						b.Units = dose.RoundToSupportedVolume(b.ScheduledUnits - notDelivered)
					}
					st.FinalizedDoses = append(st.FinalizedDoses, b)
					st.UnfinalizedBolus = nil
					canceled = b
				}
			}
			if deliveryType.Contains(message.DeliveryTypeTempBasal) {
				if tb := st.UnfinalizedTempBasal; tb != nil && !tb.IsFinishedAt(now) {
					tb.Cancel(now)
					st.FinalizedDoses = append(st.FinalizedDoses, tb)
					st.UnfinalizedTempBasal = nil
					canceled = tb
				}
			}
			if deliveryType == message.DeliveryTypeAll {
				st.UnfinalizedSuspend = dose.NewSuspend(now, dose.Certain)
				st.SuspendState = pod.SuspendState{Suspended: true, At: now}
			}
		},
	)
	result.CanceledDose = canceled
	return result
}

// SuspendDelivery stops all delivery.
func (s *Session) SuspendDelivery(beepType message.BeepType) *CommandResult {
	return s.CancelDelivery(message.DeliveryTypeAll, beepType)
}

// ResumeDelivery reprograms the daily basal schedule, which resumes a
// suspended pod.
func (s *Session) ResumeDelivery(schedule *pod.BasalSchedule, beeps message.BeepOptions) *CommandResult {
	log.Infof("session %q: resume delivery", s.name)
	return s.setBasalSchedule(schedule, beeps)
}

// SetBasalSchedule programs the daily basal pattern.
func (s *Session) SetBasalSchedule(schedule *pod.BasalSchedule, beeps message.BeepOptions) *CommandResult {
	return s.setBasalSchedule(schedule, beeps)
}

func (s *Session) setBasalSchedule(schedule *pod.BasalSchedule, beeps message.BeepOptions) *CommandResult {
	program := &pod.StartProgram{
		Type:     pod.ProgramBasalSchedule,
		Schedule: schedule,
	}
	now := time.Now()
	return s.sendDeliveryCommand(
		func(seq int, at time.Time) *pod.PendingCommand {
			return pod.NewPendingProgram(program, seq, at)
		},
		basalScheduleBlocks(schedule, now, beeps),
		func(st *pod.State, status *message.StatusResponse, now time.Time) {
			st.UnfinalizedResume = dose.NewResume(now, dose.Certain)
			st.SuspendState = pod.SuspendState{Suspended: false, At: now}
		},
	)
}

// ConfigureBeeps sets the pod's confirmation beep behavior. Not a
// delivery command, so no pending record is needed.
func (s *Session) ConfigureBeeps(config *message.BeepConfig) error {
	resp, err := s.SendMessage(config)
	if err != nil {
		return err
	}
	if status := resp.StatusResponse(); status != nil {
		s.comms.MutateState(func(st *pod.State) {
			st.UpdateFromStatusResponse(status, time.Now())
		})
	}
	return nil
}

// AcknowledgeAlerts clears the given active alert slots.
func (s *Session) AcknowledgeAlerts(slots uint8) error {
	resp, err := s.SendMessage(&message.SilenceAlerts{Nonce: fixedNonce, AlertSlots: slots})
	if err != nil {
		return err
	}
	if status := resp.StatusResponse(); status != nil {
		s.comms.MutateState(func(st *pod.State) {
			st.UpdateFromStatusResponse(status, time.Now())
		})
	}
	return nil
}

// StoreDoses hands everything storable to the sink and waits for its
// confirmation before the session proceeds; confirmed finalized doses
// are dropped from the ledger. Tearing down a session before storage
// confirms would lose the doses' association with this pod.
func (s *Session) StoreDoses(store func([]*dose.UnfinalizedDose) error) error {
	if !s.valid {
		return ErrSessionInvalidated
	}
	var doses []*dose.UnfinalizedDose
	s.comms.MutateState(func(st *pod.State) {
		st.FinalizeFinishedDoses(time.Now())
		doses = st.DosesToStore()
	})
	if len(doses) == 0 {
		return nil
	}
	if err := store(doses); err != nil {
		return err
	}
	s.comms.MutateState(func(st *pod.State) {
		st.RemoveStoredDoses(doses)
	})
	return nil
}
