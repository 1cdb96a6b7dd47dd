package message

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/avereha/pdm/pkg/crc"
)

// Message is one Omnipod message: a 4-byte address, a sequence number
// that cycles 0-15, an optional follow-on flag and a body of
// concatenated blocks, trailed by two CRC bytes.
//
//	address(4, BE) | b4 | bodyLenLow | blocks... | crc16(2)
//	b4: bit7 = expect follow-on, bits 2..5 = sequence, bits 0..1 = body length high bits
type Message struct {
	Address               uint32
	Blocks                []Block
	SequenceNum           int // mod 16
	ExpectFollowOnMessage bool
}

func NewMessage(address uint32, seq int, blocks ...Block) *Message {
	return &Message{
		Address:     address,
		SequenceNum: seq & 0x0f,
		Blocks:      blocks,
	}
}

func (m *Message) Marshal() ([]byte, error) {
	var body bytes.Buffer
	for _, blk := range m.Blocks {
		data, err := blk.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshaling block 0x%02x: %w", byte(blk.BlockType()), err)
		}
		body.Write(data)
	}

	var buf bytes.Buffer
	var addr [4]byte
	binary.BigEndian.PutUint32(addr[:], m.Address)
	buf.Write(addr[:])

	var b4 byte
	if m.ExpectFollowOnMessage {
		b4 |= 1 << 7
	}
	b4 |= byte(m.SequenceNum&0x0f) << 2
	b4 |= byte(body.Len()>>8) & 0b11
	buf.WriteByte(b4)
	buf.WriteByte(byte(body.Len()))
	buf.Write(body.Bytes())

	buf.Write(crc.CRC16(buf.Bytes()))
	return buf.Bytes(), nil
}

func Unmarshal(data []byte) (*Message, error) {
	if len(data) < 10 {
		return nil, ErrNotEnoughData
	}
	ret := &Message{
		Address: binary.BigEndian.Uint32(data[:4]),
	}
	b4 := data[4]
	ret.ExpectFollowOnMessage = b4&(1<<7) != 0
	ret.SequenceNum = int((b4 >> 2) & 0x0f)

	bodyLen := int(b4&0b11)<<8 | int(data[5])
	if bodyLen > len(data)-8 {
		return nil, ErrNotEnoughData
	}

	// The pod generates a crc16 trailer, but the algorithm used by the
	// Dash firmware is not understood and the pod itself ignores the
	// trailer on incoming messages. We carry the two bytes on the wire
	// and do not validate them.
	body := data[6 : 6+bodyLen]

	idx := 0
	for idx < len(body) {
		blk, n, err := unmarshalBlock(body[idx:])
		if err != nil {
			return nil, &ParsingError{Offset: idx, Data: body[idx:], Err: err}
		}
		ret.Blocks = append(ret.Blocks, blk)
		idx += n
	}
	return ret, nil
}

// Fault returns the detailed status carried by this message if its
// first block is a faulted detailed-status pod info response.
func (m *Message) Fault() *DetailedStatus {
	if len(m.Blocks) == 0 {
		return nil
	}
	info, ok := m.Blocks[0].(*PodInfoResponse)
	if !ok || info.DetailedStatus == nil {
		return nil
	}
	if !info.DetailedStatus.IsFaulted() {
		return nil
	}
	return info.DetailedStatus
}

// StatusResponse returns the first 0x1d block of the message, if any.
func (m *Message) StatusResponse() *StatusResponse {
	for _, blk := range m.Blocks {
		if sr, ok := blk.(*StatusResponse); ok {
			return sr
		}
	}
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(addr:%08x seq:%02d blocks:%d)", m.Address, m.SequenceNum, len(m.Blocks))
}
