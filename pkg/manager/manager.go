package manager

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avereha/pdm/pkg/dose"
	"github.com/avereha/pdm/pkg/message"
	"github.com/avereha/pdm/pkg/pod"
	"github.com/avereha/pdm/pkg/session"
)

// EngageState tracks an in-flight suspend or resume purely for
// observers; it never gates a command.
type EngageState int

const (
	EngageStable EngageState = iota
	Engaging
	Disengaging
)

// Manager translates external intents into pod sessions. All session
// work serializes on the underlying PodComms session slot; state reads
// never wait on an in-flight exchange.
type Manager struct {
	comms     *session.PodComms
	doseStore DoseStore
	notifier  ReminderNotifier

	mu             sync.Mutex
	state          *State
	suspendEngage  EngageState
	unstoredDoses  []*dose.UnfinalizedDose
	lastConnected  bool
	observers      map[int]Observer
	nextObserverID int
}

func New(stateFile string, transport session.Transport, doseStore DoseStore, notifier ReminderNotifier) (*Manager, error) {
	state, err := NewState(stateFile)
	if err != nil {
		return nil, err
	}

	var podState *pod.State
	if state.Pod != nil {
		podState, err = pod.StateFromRawValue(state.Pod)
		if err != nil {
			return nil, fmt.Errorf("could not restore pod state: %w", err)
		}
	}

	m := &Manager{
		comms:     session.NewPodComms(podState, transport),
		doseStore: doseStore,
		notifier:  notifier,
		state:     state,
		observers: make(map[int]Observer),
	}
	for _, raw := range state.UnstoredDoses {
		d, err := dose.FromRawValue(raw)
		if err != nil {
			log.Warnf("dropping unreadable unstored dose: %v", err)
			continue
		}
		m.unstoredDoses = append(m.unstoredDoses, d)
	}
	m.comms.SetStateSaver(m.savePodState)
	m.comms.SetStateObserver(m.podStateChanged)
	return m, nil
}

// AddObserver registers for state-change callbacks and returns the
// handle to remove the registration with.
func (m *Manager) AddObserver(o Observer) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObserverID
	m.nextObserverID++
	m.observers[id] = o
	return id
}

func (m *Manager) RemoveObserver(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observers, id)
}

// savePodState is the comms persistence hook: the pod's raw map goes
// into the manager state file synchronously, so a pending command is
// on disk before its message is transmitted.
func (m *Manager) savePodState(st *pod.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Pod = st.RawValue()
	return m.state.Save()
}

// podStateChanged is the comms observer hook.
func (m *Manager) podStateChanged(st *pod.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleExpirationReminderLocked(st)
	if st.LastCommsOK != m.lastConnected {
		m.lastConnected = st.LastCommsOK
		for _, o := range m.observers {
			o.ConnectionStateChanged(st.LastCommsOK)
		}
	}
	for _, o := range m.observers {
		o.PodStateChanged(st)
	}
}

func (m *Manager) scheduleExpirationReminderLocked(st *pod.State) {
	if st == nil || !st.IsActive() || st.ExpiresAt.IsZero() {
		m.notifier.CancelExpirationReminder()
		return
	}
	reminderAt := st.ExpiresAt.Add(-time.Duration(m.state.ExpirationReminderHours) * time.Hour)
	m.notifier.ScheduleExpirationReminder(reminderAt)
}

func (m *Manager) HasPod() bool {
	return m.comms.HasPod()
}

// SetTransport installs the transport when it could not be built
// before the state file was read (the simulator needs the pod id).
func (m *Manager) SetTransport(transport session.Transport) {
	m.comms.SetTransport(transport)
}

// WithPodState runs fn with read access to the pod state.
func (m *Manager) WithPodState(fn func(*pod.State)) {
	m.comms.WithState(fn)
}

// AdoptPod installs the state of a pod paired outside this module and
// assigns it the next pod id as its address when none is set.
func (m *Manager) AdoptPod(st *pod.State) {
	m.mu.Lock()
	if st.Address == 0 {
		st.Address = m.state.PodID
	}
	m.mu.Unlock()
	m.comms.SetPod(st)
}

func (m *Manager) ControllerID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ControllerID
}

func (m *Manager) PodID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.PodID
}

// runSession wraps comms.RunSession and retries any doses a previous
// ForgetPod could not hand to the store.
func (m *Manager) runSession(name string, body func(*session.Session) error) error {
	return m.comms.RunSession(name, func(s *session.Session) error {
		m.retryUnstoredDoses()
		return body(s)
	})
}

func (m *Manager) retryUnstoredDoses() {
	m.mu.Lock()
	pending := m.unstoredDoses
	m.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	if err := m.doseStore.Store(pending); err != nil {
		log.Warnf("unstored dose retry failed, keeping %d doses: %v", len(pending), err)
		return
	}
	m.mu.Lock()
	m.unstoredDoses = nil
	m.state.UnstoredDoses = nil
	if err := m.state.Save(); err != nil {
		log.Warnf("manager state save failed: %v", err)
	}
	m.mu.Unlock()
}

func (m *Manager) beepOptions() message.BeepOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return message.BeepOptions{CompletionBeep: m.state.ConfirmationBeeps}
}

func (m *Manager) cancelBeepType() message.BeepType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.ConfirmationBeeps {
		return message.BeepTypeBeep
	}
	return message.BeepTypeNone
}

func (m *Manager) basalSchedule() (*pod.BasalSchedule, error) {
	m.mu.Lock()
	entries := m.state.BasalSchedule
	m.mu.Unlock()
	if len(entries) == 0 {
		return nil, fmt.Errorf("no basal schedule configured")
	}
	return pod.NewBasalSchedule(entries)
}

// EnactBolus delivers an immediate bolus. If the ledger holds a bolus
// whose outcome is unresolved, a status refresh runs first so a lost
// acknowledgement can never lead to a double dose.
func (m *Manager) EnactBolus(units float64, automatic bool) (*dose.UnfinalizedDose, error) {
	units = dose.RoundToSupportedVolume(units)
	if units <= 0 {
		return nil, fmt.Errorf("bolus of %.2fU is not deliverable", units)
	}

	var enacted *dose.UnfinalizedDose
	err := m.runSession("enact bolus", func(s *session.Session) error {
		now := time.Now()
		var suspended, needsRefresh bool
		m.comms.WithState(func(st *pod.State) {
			suspended = st.IsSuspended()
			if b := st.UnfinalizedBolus; b != nil &&
				(b.ScheduledCertainty == dose.Uncertain || !b.IsFinishedAt(now)) {
				needsRefresh = true
			}
		})
		if suspended {
			return session.ErrPodSuspended
		}
		if needsRefresh {
			if _, err := s.GetStatus(); err != nil {
				return fmt.Errorf("status refresh before bolus failed: %w", err)
			}
			var stillBolusing bool
			m.comms.WithState(func(st *pod.State) {
				b := st.UnfinalizedBolus
				stillBolusing = b != nil && !b.IsFinishedAt(time.Now())
			})
			if stillBolusing {
				return session.ErrUnfinalizedBolus
			}
		}

		result := s.Bolus(units, automatic, m.beepOptions())
		switch result.Outcome {
		case session.OutcomeSuccess:
			m.comms.WithState(func(st *pod.State) {
				enacted = st.UnfinalizedBolus
			})
			return nil
		case session.OutcomeCertainFailure:
			return result.Err
		default:
			return fmt.Errorf("bolus unacknowledged: %w", result.Err)
		}
	})
	return enacted, err
}

// CancelBolus stops a running bolus and returns what was actually
// delivered before the stop.
func (m *Manager) CancelBolus() (*dose.UnfinalizedDose, error) {
	var canceled *dose.UnfinalizedDose
	err := m.runSession("cancel bolus", func(s *session.Session) error {
		result := s.CancelDelivery(message.DeliveryTypeBolus, m.cancelBeepType())
		switch result.Outcome {
		case session.OutcomeSuccess:
			canceled = result.CanceledDose
			return nil
		case session.OutcomeCertainFailure:
			return result.Err
		default:
			return fmt.Errorf("cancel bolus unacknowledged: %w", result.Err)
		}
	})
	return canceled, err
}

// EnactTempBasal replaces the running temp basal with a new one; a
// zero duration just cancels. Whether the rate counts as a high temp
// is judged against the scheduled basal rate, which decides how an
// unacknowledged outcome is later resolved.
func (m *Manager) EnactTempBasal(rate float64, duration time.Duration, automatic bool) error {
	rate = dose.RoundToSupportedRate(rate)
	schedule, err := m.basalSchedule()
	if err != nil {
		return err
	}

	return m.runSession("enact temp basal", func(s *session.Session) error {
		now := time.Now()
		var running, suspended bool
		m.comms.WithState(func(st *pod.State) {
			suspended = st.IsSuspended()
			tb := st.UnfinalizedTempBasal
			running = tb != nil && !tb.IsFinishedAt(now)
		})
		if suspended {
			return session.ErrPodSuspended
		}

		if running {
			result := s.CancelDelivery(message.DeliveryTypeTempBasal, m.cancelBeepType())
			switch result.Outcome {
			case session.OutcomeSuccess:
			case session.OutcomeCertainFailure:
				return result.Err
			default:
				return fmt.Errorf("temp basal cancel unacknowledged: %w", result.Err)
			}
		}
		if duration == 0 {
			return nil
		}

		isHighTemp := rate > schedule.RateAt(now)
		result := s.SetTempBasal(rate, duration, automatic, isHighTemp, m.beepOptions())
		switch result.Outcome {
		case session.OutcomeSuccess:
			return nil
		case session.OutcomeCertainFailure:
			return result.Err
		default:
			return fmt.Errorf("temp basal unacknowledged: %w", result.Err)
		}
	})
}

// SuspendEngageState reports the in-flight suspend/resume phase.
func (m *Manager) SuspendEngageState() EngageState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspendEngage
}

func (m *Manager) setSuspendEngage(state EngageState) {
	m.mu.Lock()
	m.suspendEngage = state
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.Unlock()
	for _, o := range observers {
		m.comms.WithState(o.PodStateChanged)
	}
}

// SuspendDelivery stops all delivery.
func (m *Manager) SuspendDelivery() error {
	m.setSuspendEngage(Engaging)
	defer m.setSuspendEngage(EngageStable)

	return m.runSession("suspend delivery", func(s *session.Session) error {
		result := s.SuspendDelivery(m.cancelBeepType())
		switch result.Outcome {
		case session.OutcomeSuccess:
			return nil
		case session.OutcomeCertainFailure:
			return result.Err
		default:
			return fmt.Errorf("suspend unacknowledged: %w", result.Err)
		}
	})
}

// ResumeDelivery reprograms the configured basal schedule, resuming a
// suspended pod.
func (m *Manager) ResumeDelivery() error {
	schedule, err := m.basalSchedule()
	if err != nil {
		return err
	}

	m.setSuspendEngage(Disengaging)
	defer m.setSuspendEngage(EngageStable)

	return m.runSession("resume delivery", func(s *session.Session) error {
		result := s.ResumeDelivery(schedule, m.beepOptions())
		switch result.Outcome {
		case session.OutcomeSuccess:
			return nil
		case session.OutcomeCertainFailure:
			return result.Err
		default:
			return fmt.Errorf("resume unacknowledged: %w", result.Err)
		}
	})
}

// SetBasalSchedule stores the daily basal pattern and, when a pod is
// active and delivering, programs it immediately.
func (m *Manager) SetBasalSchedule(entries []pod.BasalScheduleEntry) error {
	schedule, err := pod.NewBasalSchedule(entries)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.state.BasalSchedule = entries
	err = m.state.Save()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	var program bool
	m.comms.WithState(func(st *pod.State) {
		program = st.IsActive() && !st.IsSuspended()
	})
	if !program {
		return nil
	}
	return m.runSession("set basal schedule", func(s *session.Session) error {
		result := s.SetBasalSchedule(schedule, m.beepOptions())
		switch result.Outcome {
		case session.OutcomeSuccess:
			return nil
		case session.OutcomeCertainFailure:
			return result.Err
		default:
			return fmt.Errorf("basal schedule unacknowledged: %w", result.Err)
		}
	})
}

// uncertainBolusGuard rejects status work while a bolus outcome is
// undetermined; reading status mid-uncertainty would race with the
// recovery path.
func (m *Manager) uncertainBolusGuard() error {
	var blocked bool
	now := time.Now()
	m.comms.WithState(func(st *pod.State) {
		b := st.UnfinalizedBolus
		blocked = b != nil && b.ScheduledCertainty == dose.Uncertain && !b.IsFinishedAt(now)
	})
	if blocked {
		return session.ErrUnfinalizedBolus
	}
	return nil
}

// GetPodStatus fetches the pod's current status.
func (m *Manager) GetPodStatus() (*message.StatusResponse, error) {
	if err := m.uncertainBolusGuard(); err != nil {
		return nil, err
	}
	var status *message.StatusResponse
	err := m.runSession("get pod status", func(s *session.Session) error {
		var err error
		status, err = s.GetStatus()
		return err
	})
	return status, err
}

// RefreshStatus is GetPodStatus plus pushing the finished doses to the
// dose store.
func (m *Manager) RefreshStatus() (*message.StatusResponse, error) {
	if err := m.uncertainBolusGuard(); err != nil {
		return nil, err
	}
	var status *message.StatusResponse
	err := m.runSession("refresh status", func(s *session.Session) error {
		var err error
		status, err = s.GetStatus()
		if err != nil {
			return err
		}
		return s.StoreDoses(m.doseStore.Store)
	})
	return status, err
}

// AcknowledgeAlerts silences the given active alert slots.
func (m *Manager) AcknowledgeAlerts(slots uint8) error {
	return m.runSession("acknowledge alerts", func(s *session.Session) error {
		return s.AcknowledgeAlerts(slots)
	})
}

// SetConfirmationBeeps toggles the pod's confirmation beeps.
func (m *Manager) SetConfirmationBeeps(enabled bool) error {
	m.mu.Lock()
	m.state.ConfirmationBeeps = enabled
	err := m.state.Save()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if !m.comms.HasPod() {
		return nil
	}
	options := message.BeepOptions{CompletionBeep: enabled}
	return m.runSession("configure beeps", func(s *session.Session) error {
		return s.ConfigureBeeps(&message.BeepConfig{
			BeepType:  message.BeepTypeNone,
			Basal:     options,
			TempBasal: options,
			Bolus:     options,
		})
	})
}

// ForgetPod discards the pod after handing its outstanding doses to
// the store. If the store fails the doses survive in the unstored
// buffer and are retried at the start of the next session.
func (m *Manager) ForgetPod() error {
	now := time.Now()
	var doses []*dose.UnfinalizedDose
	m.comms.MutateState(func(st *pod.State) {
		st.ResolveAnyPendingCommandWithUncertainty(now)
		st.FinalizeFinishedDoses(now)
		doses = st.DosesToStore()
	})

	m.mu.Lock()
	doses = append(m.unstoredDoses, doses...)
	m.mu.Unlock()

	var unstored []*dose.UnfinalizedDose
	if len(doses) > 0 {
		if err := m.doseStore.Store(doses); err != nil {
			log.Warnf("dose store failed during pod discard, buffering %d doses: %v", len(doses), err)
			unstored = doses
		}
	}

	m.comms.ForgetPod()

	m.mu.Lock()
	m.unstoredDoses = unstored
	m.state.UnstoredDoses = nil
	for _, d := range unstored {
		m.state.UnstoredDoses = append(m.state.UnstoredDoses, d.RawValue())
	}
	m.state.Pod = nil
	m.state.AdvancePodID()
	err := m.state.Save()
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.Unlock()

	m.notifier.CancelExpirationReminder()
	for _, o := range observers {
		o.PodStateChanged(nil)
	}
	return err
}
