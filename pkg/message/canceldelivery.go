package message

import (
	"encoding/binary"
)

// DeliveryType selects which deliveries a STOP_DELIVERY cancels.
// Suspending stops everything at once.
type DeliveryType uint8

const (
	DeliveryTypeNone      DeliveryType = 0
	DeliveryTypeBasal     DeliveryType = 1 << 0
	DeliveryTypeTempBasal DeliveryType = 1 << 1
	DeliveryTypeBolus     DeliveryType = 1 << 2
	DeliveryTypeAll       DeliveryType = DeliveryTypeBasal | DeliveryTypeTempBasal | DeliveryTypeBolus
)

func (d DeliveryType) Contains(other DeliveryType) bool {
	return d&other == other && other != DeliveryTypeNone
}

// BeepType is the pod's built-in beep repertoire.
type BeepType uint8

const (
	BeepTypeNone     BeepType = 0x00
	BeepTypeBeep     BeepType = 0x02
	BeepTypeBipBip   BeepType = 0x03
	BeepTypeBeeeeeep BeepType = 0x06
)

// CancelDelivery is the 0x1f block: nonce, a beep selector in the high
// nibble and the delivery bits to cancel in the low nibble.
type CancelDelivery struct {
	Nonce        uint32
	BeepType     BeepType
	DeliveryType DeliveryType
}

func UnmarshalCancelDelivery(data []byte) (*CancelDelivery, error) {
	if len(data) < 7 {
		return nil, ErrNotEnoughData
	}
	return &CancelDelivery{
		Nonce:        binary.BigEndian.Uint32(data[2:6]),
		BeepType:     BeepType(data[6] >> 4),
		DeliveryType: DeliveryType(data[6] & 0x0f),
	}, nil
}

func (c *CancelDelivery) BlockType() BlockType {
	return STOP_DELIVERY
}

func (c *CancelDelivery) Marshal() ([]byte, error) {
	data := make([]byte, 7)
	data[0] = byte(STOP_DELIVERY)
	data[1] = 5
	binary.BigEndian.PutUint32(data[2:6], c.Nonce)
	data[6] = byte(c.BeepType)<<4 | byte(c.DeliveryType)&0x0f
	return data, nil
}
