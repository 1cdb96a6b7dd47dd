package message

// PodProgress is the pod's own lifecycle state as reported on the wire.
type PodProgress uint8

const (
	PodProgressInitial                PodProgress = 0
	PodProgressMemoryInitialized      PodProgress = 1
	PodProgressReminderInitialized    PodProgress = 2
	PodProgressPairingCompleted       PodProgress = 3
	PodProgressPriming                PodProgress = 4
	PodProgressPrimingCompleted       PodProgress = 5
	PodProgressBasalInitialized       PodProgress = 6
	PodProgressInsertingCannula       PodProgress = 7
	PodProgressRunningAbove50U        PodProgress = 8
	PodProgressRunningBelow50U        PodProgress = 9
	PodProgressFault                  PodProgress = 13
	PodProgressActivationTimeExceeded PodProgress = 14
	PodProgressPodInactive            PodProgress = 15
)

// ReadyForDelivery reports whether the pod can accept delivery
// commands in this progress state.
func (p PodProgress) ReadyForDelivery() bool {
	return p == PodProgressRunningAbove50U || p == PodProgressRunningBelow50U
}

// DeliveryStatus is the 4-bit field describing what the pod is
// currently delivering. A zero value means delivery is suspended.
type DeliveryStatus uint8

const (
	DeliverySuspended     DeliveryStatus = 0
	DeliveryBasal         DeliveryStatus = 1 << 0
	DeliveryTempBasal     DeliveryStatus = 1 << 1
	DeliveryBolus         DeliveryStatus = 1 << 2
	DeliveryExtendedBolus DeliveryStatus = 1 << 3
)

func (d DeliveryStatus) Suspended() bool        { return d == DeliverySuspended }
func (d DeliveryStatus) BasalActive() bool      { return d&DeliveryBasal != 0 }
func (d DeliveryStatus) TempBasalRunning() bool { return d&DeliveryTempBasal != 0 }
func (d DeliveryStatus) Bolusing() bool         { return d&DeliveryBolus != 0 }

const statusResponseLength = 10

// reservoirFullPulses is reported while more than 50 U remain and the
// pod is not yet measuring the reservoir.
const reservoirFullPulses = 0x3ff

// StatusResponse is the 0x1d block the pod returns for most commands.
//
//	byte 1: delivery status nibble | pod progress nibble
//	bytes 2-4: 13 bits of delivered pulses, 4 bits of last programming seq
//	bytes 4-5: 11 bits of undelivered bolus pulses
//	bytes 6-7: 8 alert slot bits
//	bytes 7-8: 13 bits of minutes active
//	bytes 8-9: 10 bits of reservoir pulses
type StatusResponse struct {
	DeliveryStatus       DeliveryStatus
	PodProgress          PodProgress
	DeliveredPulses      uint16
	LastProgSeqNum       uint8
	BolusRemainingPulses uint16
	AlertSlots           uint8
	MinutesActive        uint16
	ReservoirPulses      uint16
}

func UnmarshalStatusResponse(data []byte) (*StatusResponse, error) {
	if len(data) < statusResponseLength {
		return nil, ErrNotEnoughData
	}
	ret := &StatusResponse{}
	ret.DeliveryStatus = DeliveryStatus(data[1] >> 4)
	ret.PodProgress = PodProgress(data[1] & 0x0f)
	ret.DeliveredPulses = uint16(data[2]&0x0f)<<9 | uint16(data[3])<<1 | uint16(data[4]>>7)
	ret.LastProgSeqNum = (data[4] >> 3) & 0x0f
	ret.BolusRemainingPulses = uint16(data[4]&0x07)<<8 | uint16(data[5])
	ret.AlertSlots = (data[6]&0x7f)<<1 | data[7]>>7
	ret.MinutesActive = uint16(data[7]&0x7f)<<6 | uint16(data[8])>>2
	ret.ReservoirPulses = uint16(data[8]&0x03)<<8 | uint16(data[9])
	return ret, nil
}

func (r *StatusResponse) BlockType() BlockType {
	return STATUS_RESPONSE
}

func (r *StatusResponse) Marshal() ([]byte, error) {
	data := make([]byte, statusResponseLength)
	data[0] = byte(STATUS_RESPONSE)
	data[1] = byte(r.DeliveryStatus)<<4 | byte(r.PodProgress)&0x0f
	data[2] = byte(r.DeliveredPulses>>9) & 0x0f
	data[3] = byte(r.DeliveredPulses >> 1)
	data[4] = (byte(r.DeliveredPulses)&0x01)<<7 | (r.LastProgSeqNum&0x0f)<<3 | byte(r.BolusRemainingPulses>>8)&0x07
	data[5] = byte(r.BolusRemainingPulses)
	data[6] = r.AlertSlots >> 1
	data[7] = r.AlertSlots<<7 | byte(r.MinutesActive>>6)&0x7f
	data[8] = byte(r.MinutesActive<<2) | byte(r.ReservoirPulses>>8)&0x03
	data[9] = byte(r.ReservoirPulses)
	return data, nil
}

// ReservoirKnown reports whether the pod has started measuring the
// reservoir level (below roughly 50 U).
func (r *StatusResponse) ReservoirKnown() bool {
	return r.ReservoirPulses != reservoirFullPulses
}
