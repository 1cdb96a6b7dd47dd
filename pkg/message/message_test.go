package message

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMessage_MarshalUnmarshal(t *testing.T) {
	msg := NewMessage(0x12345678, 5, &GetStatus{PodInfoType: PodInfoNormal})

	data, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("could not decode %x: %v", data, err)
	}

	if got.Address != 0x12345678 {
		t.Errorf("address: got %08x, want 12345678", got.Address)
	}
	if got.SequenceNum != 5 {
		t.Errorf("sequence: got %d, want 5", got.SequenceNum)
	}
	if got.ExpectFollowOnMessage {
		t.Errorf("unexpected follow-on flag")
	}
	if diff := cmp.Diff(msg.Blocks, got.Blocks); diff != "" {
		t.Errorf("blocks mismatch (-want +got):\n%s", diff)
	}
}

func TestMessage_UnmarshalTooShort(t *testing.T) {
	if _, err := Unmarshal([]byte{0x12, 0x34, 0x56, 0x78, 0x14, 0x03}); !errors.Is(err, ErrNotEnoughData) {
		t.Errorf("got %v, want ErrNotEnoughData", err)
	}
}

func TestMessage_UnmarshalUnknownBlock(t *testing.T) {
	msg := NewMessage(0xffffffff, 0, &GetStatus{})
	data, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	data[6] = 0x42 // not a block type

	_, err = Unmarshal(data)
	var parseErr *ParsingError
	if !errors.As(err, &parseErr) {
		t.Fatalf("got %v, want ParsingError", err)
	}
	var unknown *UnknownBlockTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("got %v, want UnknownBlockTypeError", err)
	}
	if unknown.Value != 0x42 {
		t.Errorf("unknown type: got %02x, want 42", unknown.Value)
	}
}

func TestBlocks_MarshalUnmarshal(t *testing.T) {
	tests := []struct {
		name  string
		block Block
	}{
		{
			name:  "get status",
			block: &GetStatus{PodInfoType: PodInfoDetailedStatus},
		},
		{
			name: "status response",
			block: &StatusResponse{
				DeliveryStatus:       DeliveryBasal | DeliveryBolus,
				PodProgress:          PodProgressRunningAbove50U,
				DeliveredPulses:      320,
				LastProgSeqNum:       5,
				BolusRemainingPulses: 40,
				AlertSlots:           0x09,
				MinutesActive:        280,
				ReservoirPulses:      reservoirFullPulses,
			},
		},
		{
			name: "error response",
			block: &ErrorResponse{
				Code:        ErrorCodeBadNonce,
				FaultCode:   0x00,
				PodProgress: PodProgressRunningAbove50U,
			},
		},
		{
			name: "cancel delivery",
			block: &CancelDelivery{
				Nonce:        0x494E532E,
				BeepType:     BeepTypeBipBip,
				DeliveryType: DeliveryTypeTempBasal,
			},
		},
		{
			name: "silence alerts",
			block: &SilenceAlerts{
				Nonce:      0x494E532E,
				AlertSlots: 0x11,
			},
		},
		{
			name: "beep config",
			block: &BeepConfig{
				BeepType:  BeepTypeNone,
				Basal:     BeepOptions{ReminderIntervalMinutes: 60},
				TempBasal: BeepOptions{AcknowledgementBeep: true},
				Bolus:     BeepOptions{CompletionBeep: true},
			},
		},
		{
			name: "bolus schedule",
			block: &SetInsulinSchedule{
				Nonce:            0x494E532E,
				ScheduleType:     ScheduleTypeBolus,
				CurrentSegment:   0,
				SecondsRemaining: 0,
				PulsesRemaining:  40,
				Entries: []InsulinScheduleEntry{
					{Segments: 1, Pulses: 40},
				},
			},
		},
		{
			name: "temp basal schedule",
			block: &SetInsulinSchedule{
				Nonce:            0x494E532E,
				ScheduleType:     ScheduleTypeTempBasal,
				CurrentSegment:   0,
				SecondsRemaining: 1800,
				PulsesRemaining:  15,
				Entries: []InsulinScheduleEntry{
					{Segments: 2, Pulses: 15, AlternateSegmentPulse: true},
				},
			},
		},
		{
			name: "bolus extra",
			block: &BolusExtra{
				BeepOptions:          BeepOptions{CompletionBeep: true},
				ImmediateTenthPulses: 400,
				TimeBetweenPulses:    200_000,
			},
		},
		{
			name: "temp basal extra",
			block: &TempBasalExtra{
				BeepOptions:          BeepOptions{},
				RemainingTenthPulses: 150,
				DelayUntilNextPulse:  2_400_000,
				RateEntries: []RateEntry{
					{TotalTenthPulses: 300, DelayBetweenPulses: 2_400_000},
				},
			},
		},
		{
			name: "basal schedule extra",
			block: &BasalScheduleExtra{
				BeepOptions:              BeepOptions{},
				CurrentEntryIndex:        1,
				RemainingTenthPulses:     50,
				DelayUntilNextTenthPulse: 36_000_000,
				RateEntries: []RateEntry{
					{TotalTenthPulses: 100, DelayBetweenPulses: 36_000_000},
					{TotalTenthPulses: 200, DelayBetweenPulses: 18_000_000},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.block.Marshal()
			if err != nil {
				t.Fatal(err)
			}
			got, n, err := unmarshalBlock(data)
			if err != nil {
				t.Fatalf("could not decode %x: %v", data, err)
			}
			if n != len(data) {
				t.Errorf("consumed %d of %d bytes", n, len(data))
			}
			if diff := cmp.Diff(tt.block, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// Default 0x1d body observed from a running pod.
func TestStatusResponse_Fixture(t *testing.T) {
	data, err := hex.DecodeString("1d1800a02800000463ff")
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalStatusResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	want := &StatusResponse{
		DeliveryStatus:  DeliveryBasal,
		PodProgress:     PodProgressRunningAbove50U,
		DeliveredPulses: 320,
		LastProgSeqNum:  5,
		MinutesActive:   280,
		ReservoirPulses: reservoirFullPulses,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decode mismatch (-want +got):\n%s", diff)
	}
	if got.ReservoirKnown() {
		t.Errorf("reservoir should be unknown while above 50U")
	}
	if got.DeliveryStatus.Suspended() {
		t.Errorf("pod is delivering, not suspended")
	}

	encoded, err := got.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(data, encoded); diff != "" {
		t.Errorf("re-encode mismatch (-want +got):\n%s", diff)
	}
}

func TestDetailedStatus_Faulted(t *testing.T) {
	ds := &DetailedStatus{
		PodProgress:     PodProgressFault,
		DeliveryStatus:  DeliverySuspended,
		FaultEventCode:  0x31,
		FaultMinutes:    650,
		DeliveredPulses: 1000,
		ReservoirPulses: 512,
		MinutesActive:   650,
	}
	info := &PodInfoResponse{PodInfoType: PodInfoDetailedStatus, DetailedStatus: ds}

	data, err := info.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := unmarshalBlock(data)
	if err != nil {
		t.Fatal(err)
	}
	gotInfo, ok := got.(*PodInfoResponse)
	if !ok {
		t.Fatalf("got %T, want PodInfoResponse", got)
	}
	if diff := cmp.Diff(ds, gotInfo.DetailedStatus); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !gotInfo.DetailedStatus.IsFaulted() {
		t.Errorf("fault code set, IsFaulted should be true")
	}

	msg := NewMessage(0x1f000001, 3, gotInfo)
	if msg.Fault() == nil {
		t.Errorf("message carrying a faulted detailed status should report the fault")
	}
}

func TestMessage_FaultNotReportedForHealthyPod(t *testing.T) {
	ds := &DetailedStatus{
		PodProgress:    PodProgressRunningAbove50U,
		DeliveryStatus: DeliveryBasal,
		FaultMinutes:   0xffff,
	}
	msg := NewMessage(0x1f000001, 3, &PodInfoResponse{
		PodInfoType:    PodInfoDetailedStatus,
		DetailedStatus: ds,
	})
	if msg.Fault() != nil {
		t.Errorf("no fault code, Fault() should be nil")
	}
}

func TestSetInsulinSchedule_ChecksumValidated(t *testing.T) {
	block := &SetInsulinSchedule{
		Nonce:           0x494E532E,
		ScheduleType:    ScheduleTypeBolus,
		PulsesRemaining: 40,
		Entries:         []InsulinScheduleEntry{{Segments: 1, Pulses: 40}},
	}
	data, err := block.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	data[7] ^= 0xff // corrupt the checksum

	if _, _, err := unmarshalBlock(data); err == nil {
		t.Errorf("corrupted checksum should fail to decode")
	}
}
