package crc

// CRC16 over Dash messages uses poly 0x8005 with a zero initial value.
// The trailer is appended to every outgoing message, but neither the
// pod nor the controller validates it on receive; the exact algorithm
// the pod firmware expects has never been confirmed, so the bytes are
// carried for wire compatibility only.

var crc16Table [256]uint16

func init() {
	const poly = 0x8005
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// Sum16 returns the CRC16 of data.
func Sum16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// CRC16 returns the two big-endian trailer bytes for data.
func CRC16(data []byte) []byte {
	sum := Sum16(data)
	return []byte{byte(sum >> 8), byte(sum)}
}
