package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/avereha/pdm/pkg/dose"
	"github.com/avereha/pdm/pkg/message"
	"github.com/avereha/pdm/pkg/pod"
)

const testAddress = 0x1f000001

// exchange scripts one request/response attempt.
type exchange struct {
	sendErr error
	readErr error
	respond func(req *message.Message) *message.Message
}

type scriptTransport struct {
	t      *testing.T
	script []exchange
	next   int
	onSend func(data []byte)

	current *exchange
	lastReq *message.Message
}

func (tr *scriptTransport) SendMessage(data []byte) error {
	if tr.next >= len(tr.script) {
		tr.t.Fatalf("unexpected send %x, script exhausted", data)
	}
	ex := tr.script[tr.next]
	tr.next++
	if tr.onSend != nil {
		tr.onSend(data)
	}
	req, err := message.Unmarshal(data)
	if err != nil {
		tr.t.Fatalf("could not decode request %x: %v", data, err)
	}
	tr.lastReq = req
	if ex.sendErr != nil {
		tr.current = nil
		return ex.sendErr
	}
	tr.current = &ex
	return nil
}

func (tr *scriptTransport) ReadResponse(timeout time.Duration) ([]byte, error) {
	ex := tr.current
	if ex == nil {
		tr.t.Fatal("ReadResponse without a successful send")
	}
	tr.current = nil
	if ex.readErr != nil {
		return nil, ex.readErr
	}
	resp := ex.respond(tr.lastReq)
	data, err := resp.Marshal()
	if err != nil {
		tr.t.Fatal(err)
	}
	return data, nil
}

func newTestPodState() *pod.State {
	s := pod.NewState(testAddress, nil, "4.10.0", "1.4.0", 135966, 13521, 0x02, "test-pod")
	s.SetupProgress = pod.SetupCompleted
	return s
}

func runningStatus(progSeq uint8) *message.StatusResponse {
	return &message.StatusResponse{
		DeliveryStatus:  message.DeliveryBasal,
		PodProgress:     message.PodProgressRunningAbove50U,
		LastProgSeqNum:  progSeq,
		MinutesActive:   600,
		ReservoirPulses: 0x3ff,
	}
}

// ack responds with a matching status response, the way a healthy pod
// acknowledges a command.
func ack(status *message.StatusResponse) func(req *message.Message) *message.Message {
	return func(req *message.Message) *message.Message {
		return message.NewMessage(req.Address, (req.SequenceNum+1)&0x0f, status)
	}
}

func TestSession_BolusSuccess(t *testing.T) {
	tr := &scriptTransport{t: t, script: []exchange{
		{respond: ack(runningStatus(0))},
	}}
	comms := NewPodComms(newTestPodState(), tr)

	err := comms.RunSession("test", func(s *Session) error {
		result := s.Bolus(2.0, false, message.BeepOptions{})
		if result.Outcome != OutcomeSuccess {
			t.Fatalf("outcome = %v, err = %v, want success", result.Outcome, result.Err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	comms.WithState(func(st *pod.State) {
		if st.PendingCommand != nil {
			t.Errorf("pending command should be cleared on acknowledgement")
		}
		b := st.UnfinalizedBolus
		if b == nil {
			t.Fatal("acknowledged bolus should be on the ledger")
		}
		if b.Units != 2.0 || b.ScheduledCertainty != dose.Certain {
			t.Errorf("ledger entry = %s, want certain 2.0U", b)
		}
		if st.MsgSeq != 2 {
			t.Errorf("MsgSeq = %d, want 2 after one exchange", st.MsgSeq)
		}
		if !st.LastCommsOK {
			t.Errorf("LastCommsOK should be set after a good exchange")
		}
	})
}

func TestSession_PendingRecordedBeforeTransmit(t *testing.T) {
	var pendingAtSave, sent bool
	tr := &scriptTransport{t: t, script: []exchange{
		{respond: ack(runningStatus(0))},
	}}
	tr.onSend = func([]byte) {
		if !pendingAtSave {
			t.Errorf("the command left the transport before the pending record was saved")
		}
		sent = true
	}

	comms := NewPodComms(newTestPodState(), tr)
	comms.SetStateSaver(func(st *pod.State) error {
		if !sent && st.PendingCommand != nil {
			pendingAtSave = true
		}
		return nil
	})

	err := comms.RunSession("test", func(s *Session) error {
		if result := s.Bolus(2.0, false, message.BeepOptions{}); result.Outcome != OutcomeSuccess {
			t.Fatalf("outcome = %v, want success", result.Outcome)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sent {
		t.Fatal("nothing was transmitted")
	}
}

func TestSession_UnacknowledgedKeepsPending(t *testing.T) {
	radioDown := fmt.Errorf("radio gone")
	tr := &scriptTransport{t: t, script: []exchange{
		{sendErr: radioDown},
		{sendErr: radioDown},
		{sendErr: radioDown},
	}}
	comms := NewPodComms(newTestPodState(), tr)

	err := comms.RunSession("test", func(s *Session) error {
		result := s.Bolus(2.0, false, message.BeepOptions{})
		if result.Outcome != OutcomeUnacknowledged {
			t.Fatalf("outcome = %v, want unacknowledged", result.Outcome)
		}
		if !errors.Is(result.Err, radioDown) {
			t.Errorf("err = %v, want the transport error", result.Err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	comms.WithState(func(st *pod.State) {
		if st.PendingCommand == nil {
			t.Fatal("pending command must survive an unacknowledged send")
		}
		if st.PendingCommand.Program == nil || st.PendingCommand.Program.Units != 2.0 {
			t.Errorf("pending command lost the program: %s", st.PendingCommand)
		}
		if st.UnfinalizedBolus != nil {
			t.Errorf("no dose is filed until the outcome is known")
		}
		if st.LastCommsOK {
			t.Errorf("LastCommsOK should drop after retry exhaustion")
		}
	})
}

func TestSession_ErrorResponseIsCertainFailure(t *testing.T) {
	tr := &scriptTransport{t: t, script: []exchange{
		{respond: func(req *message.Message) *message.Message {
			return message.NewMessage(req.Address, (req.SequenceNum+1)&0x0f, &message.ErrorResponse{
				Code:        message.ErrorCodeBadNonce,
				PodProgress: message.PodProgressRunningAbove50U,
			})
		}},
	}}
	comms := NewPodComms(newTestPodState(), tr)

	err := comms.RunSession("test", func(s *Session) error {
		result := s.Bolus(2.0, false, message.BeepOptions{})
		if result.Outcome != OutcomeCertainFailure {
			t.Fatalf("outcome = %v, want certain failure", result.Outcome)
		}
		var errResp *ErrorResponseError
		if !errors.As(result.Err, &errResp) {
			t.Errorf("err = %v, want ErrorResponseError", result.Err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	comms.WithState(func(st *pod.State) {
		if st.PendingCommand != nil {
			t.Errorf("a rejected command was definitely not applied; pending should clear")
		}
		if st.UnfinalizedBolus != nil {
			t.Errorf("no dose for a rejected command")
		}
	})
}

func TestSession_FaultResponse(t *testing.T) {
	fault := &message.DetailedStatus{
		PodProgress:    message.PodProgressFault,
		FaultEventCode: 0x31,
		FaultMinutes:   600,
		MinutesActive:  600,
	}
	tr := &scriptTransport{t: t, script: []exchange{
		{respond: func(req *message.Message) *message.Message {
			return message.NewMessage(req.Address, (req.SequenceNum+1)&0x0f, &message.PodInfoResponse{
				PodInfoType:    message.PodInfoDetailedStatus,
				DetailedStatus: fault,
			})
		}},
	}}
	comms := NewPodComms(newTestPodState(), tr)

	err := comms.RunSession("test", func(s *Session) error {
		result := s.Bolus(2.0, false, message.BeepOptions{})
		if result.Outcome != OutcomeCertainFailure {
			t.Fatalf("outcome = %v, want certain failure", result.Outcome)
		}
		var podFault *PodFaultError
		if !errors.As(result.Err, &podFault) {
			t.Fatalf("err = %v, want PodFaultError", result.Err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	comms.WithState(func(st *pod.State) {
		if !st.IsFaulted() {
			t.Errorf("fault must be recorded in the state")
		}
	})
}

func TestSession_CrosstalkRetriesThenFails(t *testing.T) {
	wrongPod := func(req *message.Message) *message.Message {
		return message.NewMessage(0x1f00beef, (req.SequenceNum+1)&0x0f, runningStatus(0))
	}
	tr := &scriptTransport{t: t, script: []exchange{
		{respond: wrongPod},
		{respond: wrongPod},
		{respond: wrongPod},
	}}
	comms := NewPodComms(newTestPodState(), tr)

	err := comms.RunSession("test", func(s *Session) error {
		_, err := s.GetStatus()
		var crosstalk *CrosstalkError
		if !errors.As(err, &crosstalk) {
			t.Fatalf("err = %v, want CrosstalkError", err)
		}
		if crosstalk.GotAddress != 0x1f00beef {
			t.Errorf("GotAddress = %08x, want 1f00beef", crosstalk.GotAddress)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSession_RetryAfterTimeout(t *testing.T) {
	tr := &scriptTransport{t: t, script: []exchange{
		{readErr: fmt.Errorf("timeout")},
		{respond: ack(runningStatus(0))},
	}}
	comms := NewPodComms(newTestPodState(), tr)

	err := comms.RunSession("test", func(s *Session) error {
		status, err := s.GetStatus()
		if err != nil {
			t.Fatalf("second attempt should have succeeded: %v", err)
		}
		if status.MinutesActive != 600 {
			t.Errorf("wrong status decoded: %+v", status)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSession_SequenceMismatchRejected(t *testing.T) {
	badSeq := func(req *message.Message) *message.Message {
		return message.NewMessage(req.Address, (req.SequenceNum+5)&0x0f, runningStatus(0))
	}
	tr := &scriptTransport{t: t, script: []exchange{
		{respond: badSeq},
		{respond: badSeq},
		{respond: badSeq},
	}}
	comms := NewPodComms(newTestPodState(), tr)

	err := comms.RunSession("test", func(s *Session) error {
		_, err := s.GetStatus()
		var crosstalk *CrosstalkError
		if !errors.As(err, &crosstalk) {
			t.Fatalf("err = %v, want CrosstalkError", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRecovery_CommandWasReceived(t *testing.T) {
	st := newTestPodState()
	commandDate := time.Now().Add(-time.Hour)
	st.MsgSeq = 6
	st.PendingCommand = pod.NewPendingProgram(&pod.StartProgram{
		Type:  pod.ProgramBolus,
		Units: 2.0,
	}, 4, commandDate)

	// The pod's last programming sequence matches the pending record.
	tr := &scriptTransport{t: t, script: []exchange{
		{respond: ack(runningStatus(4))},
	}}
	comms := NewPodComms(st, tr)

	err := comms.RunSession("test", func(s *Session) error { return nil })
	if err != nil {
		t.Fatal(err)
	}

	comms.WithState(func(st *pod.State) {
		if st.PendingCommand != nil {
			t.Errorf("recovery must clear the pending command")
		}
		// The bolus finished an hour ago, so it lands finalized, with
		// certainty: the pod told us it got the command.
		if len(st.FinalizedDoses) != 1 {
			t.Fatalf("finalized %d doses, want 1", len(st.FinalizedDoses))
		}
		got := st.FinalizedDoses[0]
		if got.Units != 2.0 || got.ScheduledCertainty != dose.Certain {
			t.Errorf("recovered dose = %s, want certain 2.0U", got)
		}
		if !got.StartTime.Equal(commandDate) {
			t.Errorf("recovered dose dated %s, want the original command time", got.StartTime)
		}
	})
}

func TestRecovery_CommandWasNotReceived(t *testing.T) {
	st := newTestPodState()
	st.PendingCommand = pod.NewPendingProgram(&pod.StartProgram{
		Type:  pod.ProgramBolus,
		Units: 2.0,
	}, 4, time.Now().Add(-time.Minute))

	tr := &scriptTransport{t: t, script: []exchange{
		{respond: ack(runningStatus(9))},
	}}
	comms := NewPodComms(st, tr)

	err := comms.RunSession("test", func(s *Session) error { return nil })
	if err != nil {
		t.Fatal(err)
	}

	comms.WithState(func(st *pod.State) {
		if st.PendingCommand != nil {
			t.Errorf("recovery must clear the pending command")
		}
		if st.UnfinalizedBolus != nil || len(st.FinalizedDoses) != 0 {
			t.Errorf("a command the pod never received leaves no dose")
		}
	})
}

func TestRecovery_UnreachablePodResolvesWithUncertainty(t *testing.T) {
	st := newTestPodState()
	st.PendingCommand = pod.NewPendingProgram(&pod.StartProgram{
		Type:       pod.ProgramTempBasal,
		Rate:       3.0,
		Duration:   30 * time.Minute,
		IsHighTemp: true,
	}, 4, time.Now().Add(-time.Minute))

	down := fmt.Errorf("radio gone")
	tr := &scriptTransport{t: t, script: []exchange{
		{sendErr: down}, {sendErr: down}, {sendErr: down},
	}}
	comms := NewPodComms(st, tr)

	err := comms.RunSession("test", func(s *Session) error { return nil })
	if err != nil {
		t.Fatal(err)
	}

	comms.WithState(func(st *pod.State) {
		if st.PendingCommand != nil {
			t.Errorf("resolution must clear the pending command")
		}
		tb := st.UnfinalizedTempBasal
		if tb == nil {
			t.Fatal("an unresolved high temp is assumed delivered")
		}
		if tb.ScheduledCertainty != dose.Uncertain {
			t.Errorf("certainty = %s, want uncertain", tb.ScheduledCertainty)
		}
	})
}

func TestSession_StopDeliveryReconstructsCanceledBolus(t *testing.T) {
	st := newTestPodState()
	st.UnfinalizedBolus = dose.NewBolus(2.0, time.Now().Add(-30*time.Second), dose.Certain, false)

	// Pod reports 20 pulses (1.0U) never delivered.
	status := runningStatus(1)
	status.BolusRemainingPulses = 20
	tr := &scriptTransport{t: t, script: []exchange{
		{respond: ack(status)},
	}}
	comms := NewPodComms(st, tr)

	err := comms.RunSession("test", func(s *Session) error {
		result := s.CancelDelivery(message.DeliveryTypeBolus, message.BeepTypeNone)
		if result.Outcome != OutcomeSuccess {
			t.Fatalf("outcome = %v, err = %v, want success", result.Outcome, result.Err)
		}
		canceled := result.CanceledDose
		if canceled == nil {
			t.Fatal("cancel should report the truncated dose")
		}
		if canceled.ScheduledUnits != 2.0 {
			t.Errorf("ScheduledUnits = %v, want the programmed 2.0", canceled.ScheduledUnits)
		}
		if canceled.Units != 1.0 {
			t.Errorf("Units = %v, want 1.0 (programmed minus reported remainder)", canceled.Units)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	comms.WithState(func(st *pod.State) {
		if st.UnfinalizedBolus != nil {
			t.Errorf("canceled bolus moves to the finalized list")
		}
		if len(st.FinalizedDoses) != 1 {
			t.Errorf("finalized %d doses, want 1", len(st.FinalizedDoses))
		}
	})
}

func TestSession_SuspendFilesSuspendDose(t *testing.T) {
	suspendedStatus := &message.StatusResponse{
		DeliveryStatus:  message.DeliverySuspended,
		PodProgress:     message.PodProgressRunningAbove50U,
		MinutesActive:   600,
		ReservoirPulses: 0x3ff,
	}
	tr := &scriptTransport{t: t, script: []exchange{
		{respond: ack(suspendedStatus)},
	}}
	comms := NewPodComms(newTestPodState(), tr)

	err := comms.RunSession("test", func(s *Session) error {
		if result := s.SuspendDelivery(message.BeepTypeNone); result.Outcome != OutcomeSuccess {
			t.Fatalf("outcome = %v, err = %v, want success", result.Outcome, result.Err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	comms.WithState(func(st *pod.State) {
		if !st.IsSuspended() {
			t.Errorf("suspend state should be set")
		}
		if st.UnfinalizedSuspend == nil {
			t.Errorf("a suspend marker should be on the ledger")
		}
	})
}

func TestStoreDoses_BlocksUntilConfirmed(t *testing.T) {
	st := newTestPodState()
	finalized := dose.NewSuspend(time.Now().Add(-time.Hour), dose.Certain)
	st.FinalizedDoses = []*dose.UnfinalizedDose{finalized}

	comms := NewPodComms(st, &scriptTransport{t: t})

	sinkErr := fmt.Errorf("treatment log offline")
	err := comms.RunSession("test", func(s *Session) error {
		if err := s.StoreDoses(func([]*dose.UnfinalizedDose) error { return sinkErr }); !errors.Is(err, sinkErr) {
			t.Fatalf("store failure must surface, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	comms.WithState(func(st *pod.State) {
		if len(st.FinalizedDoses) != 1 {
			t.Fatalf("unconfirmed doses must stay on the ledger")
		}
	})

	err = comms.RunSession("test", func(s *Session) error {
		return s.StoreDoses(func(doses []*dose.UnfinalizedDose) error {
			if len(doses) != 1 || doses[0] != finalized {
				t.Errorf("store got %v, want the finalized suspend", doses)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	comms.WithState(func(st *pod.State) {
		if len(st.FinalizedDoses) != 0 {
			t.Errorf("confirmed doses leave the ledger")
		}
	})
}

func TestRunSession_NoPod(t *testing.T) {
	comms := NewPodComms(nil, &scriptTransport{t: t})
	err := comms.RunSession("test", func(s *Session) error { return nil })
	if !errors.Is(err, ErrNoPodPaired) {
		t.Errorf("err = %v, want ErrNoPodPaired", err)
	}
}
