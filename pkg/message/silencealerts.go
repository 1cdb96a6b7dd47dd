package message

import (
	"encoding/binary"
)

// SilenceAlerts is the 0x11 block acknowledging active alert slots.
type SilenceAlerts struct {
	Nonce      uint32
	AlertSlots uint8
}

func UnmarshalSilenceAlerts(data []byte) (*SilenceAlerts, error) {
	if len(data) < 7 {
		return nil, ErrNotEnoughData
	}
	return &SilenceAlerts{
		Nonce:      binary.BigEndian.Uint32(data[2:6]),
		AlertSlots: data[6],
	}, nil
}

func (s *SilenceAlerts) BlockType() BlockType {
	return SILENCE_ALERTS
}

func (s *SilenceAlerts) Marshal() ([]byte, error) {
	data := make([]byte, 7)
	data[0] = byte(SILENCE_ALERTS)
	data[1] = 5
	binary.BigEndian.PutUint32(data[2:6], s.Nonce)
	data[6] = s.AlertSlots
	return data, nil
}
