package message

import (
	"encoding/binary"
	"fmt"
)

// ScheduleType selects which delivery a 0x1a command programs.
type ScheduleType uint8

const (
	ScheduleTypeBasal     ScheduleType = 0
	ScheduleTypeTempBasal ScheduleType = 1
	ScheduleTypeBolus     ScheduleType = 2
)

// InsulinScheduleEntry is one packed table element: a run of half-hour
// segments delivering the same pulse count per segment.
//
//	bits 12-15: segments - 1
//	bit  11:    alternate segment pulse
//	bits 0-10:  pulses per segment
type InsulinScheduleEntry struct {
	Segments              uint8
	Pulses                uint16
	AlternateSegmentPulse bool
}

func (e InsulinScheduleEntry) pack() uint16 {
	v := uint16(e.Segments-1)<<12 | e.Pulses&0x07ff
	if e.AlternateSegmentPulse {
		v |= 1 << 11
	}
	return v
}

func unpackScheduleEntry(v uint16) InsulinScheduleEntry {
	return InsulinScheduleEntry{
		Segments:              uint8(v>>12) + 1,
		Pulses:                v & 0x07ff,
		AlternateSegmentPulse: v&(1<<11) != 0,
	}
}

// SetInsulinSchedule is the 0x1a block that programs a basal schedule,
// temp basal or bolus. It always precedes the matching 0x13/0x16/0x17
// extra block in the same message.
//
//	nonce(4) | scheduleType | checksum BE16 | currentSegment |
//	secondsRemaining*8 BE16 | pulsesRemaining BE16 | table entries...
type SetInsulinSchedule struct {
	Nonce            uint32
	ScheduleType     ScheduleType
	CurrentSegment   uint8
	SecondsRemaining uint16 // in the current segment
	PulsesRemaining  uint16 // in the current segment
	Entries          []InsulinScheduleEntry
}

func (s *SetInsulinSchedule) checksum() uint16 {
	var sum uint16
	add16 := func(v uint16) {
		sum += uint16(byte(v >> 8))
		sum += uint16(byte(v))
	}
	sum += uint16(s.CurrentSegment)
	add16(s.SecondsRemaining << 3)
	add16(s.PulsesRemaining)
	for _, e := range s.Entries {
		add16(e.pack())
	}
	return sum
}

func UnmarshalSetInsulinSchedule(data []byte) (*SetInsulinSchedule, error) {
	if len(data) < 14 {
		return nil, ErrNotEnoughData
	}
	ret := &SetInsulinSchedule{
		Nonce:        binary.BigEndian.Uint32(data[2:6]),
		ScheduleType: ScheduleType(data[6]),
	}
	if ret.ScheduleType > ScheduleTypeBolus {
		return nil, &UnknownValueError{Value: data[6], Description: "ScheduleType"}
	}
	checksum := binary.BigEndian.Uint16(data[7:9])
	ret.CurrentSegment = data[9]
	ret.SecondsRemaining = binary.BigEndian.Uint16(data[10:12]) >> 3
	ret.PulsesRemaining = binary.BigEndian.Uint16(data[12:14])
	for off := 14; off+2 <= len(data); off += 2 {
		ret.Entries = append(ret.Entries, unpackScheduleEntry(binary.BigEndian.Uint16(data[off:off+2])))
	}
	if got := ret.checksum(); got != checksum {
		return nil, fmt.Errorf("insulin schedule checksum mismatch: got 0x%04x, want 0x%04x in %x", got, checksum, data)
	}
	return ret, nil
}

func (s *SetInsulinSchedule) BlockType() BlockType {
	return PROGRAM_INSULIN
}

func (s *SetInsulinSchedule) Marshal() ([]byte, error) {
	if len(s.Entries) == 0 {
		return nil, fmt.Errorf("insulin schedule needs at least one entry")
	}
	data := make([]byte, 14+2*len(s.Entries))
	data[0] = byte(PROGRAM_INSULIN)
	data[1] = byte(len(data) - 2)
	binary.BigEndian.PutUint32(data[2:6], s.Nonce)
	data[6] = byte(s.ScheduleType)
	binary.BigEndian.PutUint16(data[7:9], s.checksum())
	data[9] = s.CurrentSegment
	binary.BigEndian.PutUint16(data[10:12], s.SecondsRemaining<<3)
	binary.BigEndian.PutUint16(data[12:14], s.PulsesRemaining)
	for i, e := range s.Entries {
		binary.BigEndian.PutUint16(data[14+2*i:16+2*i], e.pack())
	}
	return data, nil
}
