package session

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avereha/pdm/pkg/dose"
	"github.com/avereha/pdm/pkg/message"
	"github.com/avereha/pdm/pkg/pod"
)

// StateSaver persists pod state after every mutation. It is called
// synchronously with the state lock held, so the pending-command
// record is durable before the command leaves the radio.
type StateSaver func(*pod.State) error

// StateObserver is notified synchronously after every state mutation.
type StateObserver func(*pod.State)

// PodComms owns the session slot and the pod state for one pod.
// RunSession does not support concurrent callers; overlapping callers
// serialize on the session slot. State mutation is guarded by a
// separate lock so state reads never wait on an in-flight exchange.
type PodComms struct {
	sessionMu sync.Mutex

	stateMu  sync.Mutex
	podState *pod.State

	transport Transport
	saver     StateSaver
	observer  StateObserver
}

func NewPodComms(podState *pod.State, transport Transport) *PodComms {
	return &PodComms{
		podState:  podState,
		transport: transport,
	}
}

// SetTransport swaps the transport. Only safe before sessions start.
func (c *PodComms) SetTransport(transport Transport) {
	c.transport = transport
}

// SetStateSaver installs the persistence hook.
func (c *PodComms) SetStateSaver(saver StateSaver) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.saver = saver
}

// SetStateObserver installs the synchronous state-change callback.
func (c *PodComms) SetStateObserver(observer StateObserver) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.observer = observer
}

func (c *PodComms) HasPod() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.podState != nil
}

// WithState runs fn with read access to the pod state; fn must not
// mutate it and must not retain the pointer.
func (c *PodComms) WithState(fn func(*pod.State)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.podState != nil {
		fn(c.podState)
	}
}

// MutateState applies fn atomically, persists the result and notifies
// the observer.
func (c *PodComms) MutateState(fn func(*pod.State)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.podState == nil {
		return
	}
	fn(c.podState)
	if c.saver != nil {
		if err := c.saver(c.podState); err != nil {
			log.Warnf("pod state save failed: %v", err)
		}
	}
	if c.observer != nil {
		c.observer(c.podState)
	}
}

// SetPod installs the state of a newly paired pod, persisting it
// through the saver like any other mutation.
func (c *PodComms) SetPod(podState *pod.State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.podState = podState
	if c.saver != nil {
		if err := c.saver(c.podState); err != nil {
			log.Warnf("pod state save failed: %v", err)
		}
	}
	if c.observer != nil {
		c.observer(c.podState)
	}
}

// ForgetPod clears the pod state. Outstanding doses are the caller's
// responsibility (see the manager's ForgetPod).
func (c *PodComms) ForgetPod() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.podState = nil
}

// RunSession acquires the exclusive session slot, reconciles any
// pending command from an earlier session, runs body and invalidates
// the session handle on return.
func (c *PodComms) RunSession(name string, body func(*Session) error) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if !c.HasPod() {
		return ErrNoPodPaired
	}

	log.Debugf("session %q: starting", name)
	s := &Session{comms: c, name: name, valid: true}
	defer func() {
		s.valid = false
		log.Debugf("session %q: finished", name)
	}()

	var pending *pod.PendingCommand
	c.WithState(func(st *pod.State) {
		pending = st.PendingCommand
	})
	if pending != nil {
		s.recoverPendingCommand(pending)
	}

	return body(s)
}

// recoverPendingCommand decides the fate of a command whose outcome
// was lost: ask the pod for status and compare its last programming
// sequence number with the one we recorded. If the pod cannot be
// reached, fall back to resolving under uncertainty.
func (s *Session) recoverPendingCommand(pending *pod.PendingCommand) {
	now := time.Now()
	log.Infof("recovering pending command: %s", pending)

	status, err := s.getStatusRaw()
	if err != nil {
		log.Warnf("pending command recovery failed, resolving with uncertainty: %v", err)
		s.comms.MutateState(func(st *pod.State) {
			st.ResolveAnyPendingCommandWithUncertainty(now)
		})
		return
	}

	received := int(status.LastProgSeqNum) == pending.Sequence&0x0f
	s.comms.MutateState(func(st *pod.State) {
		if received {
			log.Infof("pending command was received by pod")
			applyReceivedPendingCommand(st, pending, now)
		} else {
			log.Infof("pending command was not received by pod")
		}
		st.PendingCommand = nil
		st.UpdateFromStatusResponse(status, now)
	})
}

// applyReceivedPendingCommand replays a command the pod is known to
// have received, with certain scheduling, dated at the original
// command time.
func applyReceivedPendingCommand(st *pod.State, pending *pod.PendingCommand, now time.Time) {
	if program := pending.Program; program != nil {
		d := program.UnfinalizedDose(pending.CommandDate, dose.Certain)
		if d == nil {
			return
		}
		switch d.DoseType {
		case dose.Bolus:
			if d.IsFinishedAt(now) {
				st.FinalizedDoses = append(st.FinalizedDoses, d)
			} else {
				st.UnfinalizedBolus = d
			}
		case dose.TempBasal:
			if d.IsFinishedAt(now) {
				st.FinalizedDoses = append(st.FinalizedDoses, d)
			} else {
				st.UnfinalizedTempBasal = d
			}
		case dose.Resume:
			st.UnfinalizedResume = d
			st.SuspendState = pod.SuspendState{Suspended: false, At: pending.CommandDate}
		}
		return
	}

	at := pending.CommandDate
	if pending.StopDelivery.Contains(message.DeliveryTypeBolus) {
		if b := st.UnfinalizedBolus; b != nil && !b.IsFinishedAt(at) {
			b.Cancel(at)
			st.FinalizedDoses = append(st.FinalizedDoses, b)
			st.UnfinalizedBolus = nil
		}
	}
	if pending.StopDelivery.Contains(message.DeliveryTypeTempBasal) {
		if tb := st.UnfinalizedTempBasal; tb != nil && !tb.IsFinishedAt(at) {
			tb.Cancel(at)
			st.FinalizedDoses = append(st.FinalizedDoses, tb)
			st.UnfinalizedTempBasal = nil
		}
	}
	if pending.StopDelivery == message.DeliveryTypeAll {
		st.UnfinalizedSuspend = dose.NewSuspend(at, dose.Certain)
		st.SuspendState = pod.SuspendState{Suspended: true, At: at}
	}
}
