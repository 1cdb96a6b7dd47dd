package message

import (
	"encoding/binary"
)

// RateEntry is the pulse-timing form of one basal rate: a total pulse
// count (in tenths of a pulse) and the delay between pulses in
// hundredths of a millisecond, matching the pod's internal timers.
type RateEntry struct {
	TotalTenthPulses   uint16
	DelayBetweenPulses uint32 // hundredths of milliseconds
}

func (e RateEntry) marshal(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], e.TotalTenthPulses)
	binary.BigEndian.PutUint32(buf[2:6], e.DelayBetweenPulses)
}

func unmarshalRateEntry(data []byte) RateEntry {
	return RateEntry{
		TotalTenthPulses:   binary.BigEndian.Uint16(data[0:2]),
		DelayBetweenPulses: binary.BigEndian.Uint32(data[2:6]),
	}
}

// BasalScheduleExtra is the 0x13 block carrying the per-entry pulse
// timing for a basal schedule program.
//
//	byte 2: beep options (bit7 ack, bit6 completion, low 6 bits reminder minutes)
//	byte 3: current entry index
//	bytes 4-5: remaining tenths of pulses in the current entry
//	bytes 6-9: delay until the next tenth of a pulse, hundredths of ms
//	then 6 bytes per rate entry
type BasalScheduleExtra struct {
	BeepOptions              BeepOptions
	CurrentEntryIndex        uint8
	RemainingTenthPulses     uint16
	DelayUntilNextTenthPulse uint32 // hundredths of milliseconds
	RateEntries              []RateEntry
}

func UnmarshalBasalScheduleExtra(data []byte) (*BasalScheduleExtra, error) {
	if len(data) < 16 {
		return nil, ErrNotEnoughData
	}
	ret := &BasalScheduleExtra{
		BeepOptions:              unpackBeepOptions(data[2]),
		CurrentEntryIndex:        data[3],
		RemainingTenthPulses:     binary.BigEndian.Uint16(data[4:6]),
		DelayUntilNextTenthPulse: binary.BigEndian.Uint32(data[6:10]),
	}
	numEntries := (int(data[1]) - 8) / 6
	for i := 0; i < numEntries; i++ {
		off := 10 + i*6
		if off+6 > len(data) {
			return nil, ErrNotEnoughData
		}
		ret.RateEntries = append(ret.RateEntries, unmarshalRateEntry(data[off:off+6]))
	}
	return ret, nil
}

func (b *BasalScheduleExtra) BlockType() BlockType {
	return PROGRAM_BASAL
}

func (b *BasalScheduleExtra) Marshal() ([]byte, error) {
	data := make([]byte, 10+6*len(b.RateEntries))
	data[0] = byte(PROGRAM_BASAL)
	data[1] = byte(8 + 6*len(b.RateEntries))
	data[2] = b.BeepOptions.pack()
	data[3] = b.CurrentEntryIndex
	binary.BigEndian.PutUint16(data[4:6], b.RemainingTenthPulses)
	binary.BigEndian.PutUint32(data[6:10], b.DelayUntilNextTenthPulse)
	for i, e := range b.RateEntries {
		e.marshal(data[10+i*6:])
	}
	return data, nil
}
