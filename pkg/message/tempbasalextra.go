package message

import (
	"encoding/binary"
)

// TempBasalExtra is the 0x16 block carrying the pulse timing for a
// temp basal program. Layout mirrors the 0x13 basal extra except the
// entry-index byte is unused.
type TempBasalExtra struct {
	BeepOptions          BeepOptions
	RemainingTenthPulses uint16
	DelayUntilNextPulse  uint32 // hundredths of milliseconds
	RateEntries          []RateEntry
}

func UnmarshalTempBasalExtra(data []byte) (*TempBasalExtra, error) {
	if len(data) < 16 {
		return nil, ErrNotEnoughData
	}
	ret := &TempBasalExtra{
		BeepOptions:          unpackBeepOptions(data[2]),
		RemainingTenthPulses: binary.BigEndian.Uint16(data[4:6]),
		DelayUntilNextPulse:  binary.BigEndian.Uint32(data[6:10]),
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

func (t *TempBasalExtra) BlockType() BlockType {
	return PROGRAM_TEMP_BASAL
}

func (t *TempBasalExtra) Marshal() ([]byte, error) {
	data := make([]byte, 10+6*len(t.RateEntries))
	data[0] = byte(PROGRAM_TEMP_BASAL)
	data[1] = byte(8 + 6*len(t.RateEntries))
	data[2] = t.BeepOptions.pack()
	binary.BigEndian.PutUint16(data[4:6], t.RemainingTenthPulses)
	binary.BigEndian.PutUint32(data[6:10], t.DelayUntilNextPulse)
	for i, e := range t.RateEntries {
		e.marshal(data[10+i*6:])
	}
	return data, nil
}
