package message

import (
	"encoding/binary"
)

// PodInfoType selects which pod info page a GET_STATUS asks for and
// which page a POD_INFO_RESPONSE carries.
type PodInfoType byte

const (
	PodInfoNormal          PodInfoType = 0x00
	PodInfoTriggeredAlerts PodInfoType = 0x01
	PodInfoDetailedStatus  PodInfoType = 0x02
	PodInfoPulseLogRecent  PodInfoType = 0x50
	PodInfoPulseLogPrev    PodInfoType = 0x51
)

// FaultEventCode is the pod's internal fault code. Zero means no fault.
type FaultEventCode uint8

const FaultEventNone FaultEventCode = 0x00

// noFaultMinutes is reported in the fault time field while no fault
// has occurred.
const noFaultMinutes = 0xffff

// DetailedStatus is the 0x02 pod info page carrying delivery state
// plus the fault record.
//
//	byte  2: info type (0x02)
//	byte  3: pod progress
//	byte  4: delivery status bits
//	bytes 5-6: undelivered bolus pulses
//	byte  7: last programming seq
//	bytes 8-9: delivered pulses
//	byte 10: fault event code
//	bytes 11-12: fault time, minutes since activation
//	bytes 13-14: reservoir pulses
//	bytes 15-16: minutes active
//	byte 17: unacknowledged alert bits
type DetailedStatus struct {
	PodProgress          PodProgress
	DeliveryStatus       DeliveryStatus
	BolusRemainingPulses uint16
	LastProgSeqNum       uint8
	DeliveredPulses      uint16
	FaultEventCode       FaultEventCode
	FaultMinutes         uint16 // minutes since activation, 0xffff if no fault
	ReservoirPulses      uint16
	MinutesActive        uint16
	UnacknowledgedAlerts uint8
}

const detailedStatusLength = 24 // type + len + 22 payload bytes

func (d *DetailedStatus) IsFaulted() bool {
	return d.FaultEventCode != FaultEventNone ||
		d.PodProgress == PodProgressActivationTimeExceeded
}

func unmarshalDetailedStatus(data []byte) (*DetailedStatus, error) {
	if len(data) < detailedStatusLength {
		return nil, ErrNotEnoughData
	}
	ret := &DetailedStatus{}
	ret.PodProgress = PodProgress(data[3])
	ret.DeliveryStatus = DeliveryStatus(data[4])
	ret.BolusRemainingPulses = binary.BigEndian.Uint16(data[5:7])
	ret.LastProgSeqNum = data[7]
	ret.DeliveredPulses = binary.BigEndian.Uint16(data[8:10])
	ret.FaultEventCode = FaultEventCode(data[10])
	ret.FaultMinutes = binary.BigEndian.Uint16(data[11:13])
	ret.ReservoirPulses = binary.BigEndian.Uint16(data[13:15])
	ret.MinutesActive = binary.BigEndian.Uint16(data[15:17])
	ret.UnacknowledgedAlerts = data[17]
	return ret, nil
}

func (d *DetailedStatus) marshal() []byte {
	data := make([]byte, detailedStatusLength)
	data[0] = byte(POD_INFO_RESPONSE)
	data[1] = detailedStatusLength - 2
	data[2] = byte(PodInfoDetailedStatus)
	data[3] = byte(d.PodProgress)
	data[4] = byte(d.DeliveryStatus)
	binary.BigEndian.PutUint16(data[5:7], d.BolusRemainingPulses)
	data[7] = d.LastProgSeqNum
	binary.BigEndian.PutUint16(data[8:10], d.DeliveredPulses)
	data[10] = byte(d.FaultEventCode)
	binary.BigEndian.PutUint16(data[11:13], d.FaultMinutes)
	binary.BigEndian.PutUint16(data[13:15], d.ReservoirPulses)
	binary.BigEndian.PutUint16(data[15:17], d.MinutesActive)
	data[17] = d.UnacknowledgedAlerts
	return data
}

// PodInfoResponse is the 0x02 block. Only the detailed-status page is
// decoded into a typed form; other pages are kept raw.
type PodInfoResponse struct {
	PodInfoType    PodInfoType
	DetailedStatus *DetailedStatus
	Raw            []byte
}

func UnmarshalPodInfoResponse(data []byte) (*PodInfoResponse, error) {
	if len(data) < 3 {
		return nil, ErrNotEnoughData
	}
	ret := &PodInfoResponse{
		PodInfoType: PodInfoType(data[2]),
	}
	if ret.PodInfoType == PodInfoDetailedStatus {
		ds, err := unmarshalDetailedStatus(data)
		if err != nil {
			return nil, err
		}
		ret.DetailedStatus = ds
		return ret, nil
	}
	ret.Raw = append([]byte(nil), data...)
	return ret, nil
}

func (r *PodInfoResponse) BlockType() BlockType {
	return POD_INFO_RESPONSE
}

func (r *PodInfoResponse) Marshal() ([]byte, error) {
	if r.DetailedStatus != nil {
		return r.DetailedStatus.marshal(), nil
	}
	return append([]byte(nil), r.Raw...), nil
}
