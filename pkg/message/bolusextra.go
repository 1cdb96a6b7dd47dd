package message

import (
	"encoding/binary"
)

// BolusExtra is the 0x17 block carrying the pulse timing for a bolus
// program: the immediate part plus an optional extended (square wave)
// part.
type BolusExtra struct {
	BeepOptions           BeepOptions
	ImmediateTenthPulses  uint16
	TimeBetweenPulses     uint32 // hundredths of milliseconds
	ExtendedTenthPulses   uint16
	ExtendedPulseInterval uint32 // hundredths of milliseconds
}

const bolusExtraLength = 15

func UnmarshalBolusExtra(data []byte) (*BolusExtra, error) {
	if len(data) < bolusExtraLength {
		return nil, ErrNotEnoughData
	}
	return &BolusExtra{
		BeepOptions:           unpackBeepOptions(data[2]),
		ImmediateTenthPulses:  binary.BigEndian.Uint16(data[3:5]),
		TimeBetweenPulses:     binary.BigEndian.Uint32(data[5:9]),
		ExtendedTenthPulses:   binary.BigEndian.Uint16(data[9:11]),
		ExtendedPulseInterval: binary.BigEndian.Uint32(data[11:15]),
	}, nil
}

func (b *BolusExtra) BlockType() BlockType {
	return PROGRAM_BOLUS
}

func (b *BolusExtra) Marshal() ([]byte, error) {
	data := make([]byte, bolusExtraLength)
	data[0] = byte(PROGRAM_BOLUS)
	data[1] = bolusExtraLength - 2
	data[2] = b.BeepOptions.pack()
	binary.BigEndian.PutUint16(data[3:5], b.ImmediateTenthPulses)
	binary.BigEndian.PutUint32(data[5:9], b.TimeBetweenPulses)
	binary.BigEndian.PutUint16(data[9:11], b.ExtendedTenthPulses)
	binary.BigEndian.PutUint32(data[11:15], b.ExtendedPulseInterval)
	return data, nil
}
