package message

// BlockType is the leading type byte of a message block.
type BlockType byte

const (
	POD_INFO_RESPONSE  BlockType = 0x02
	ERROR_RESPONSE     BlockType = 0x06
	GET_STATUS         BlockType = 0x0e
	SILENCE_ALERTS     BlockType = 0x11
	PROGRAM_BASAL      BlockType = 0x13 // Always preceded by 0x1a
	PROGRAM_TEMP_BASAL BlockType = 0x16 // Always preceded by 0x1a
	PROGRAM_BOLUS      BlockType = 0x17 // Always preceded by 0x1a
	PROGRAM_INSULIN    BlockType = 0x1a // Always followed by one of: 0x13, 0x16, 0x17
	STATUS_RESPONSE    BlockType = 0x1d
	BEEP_CONFIG        BlockType = 0x1e
	STOP_DELIVERY      BlockType = 0x1f
)

// Block is one typed sub-structure of a message body. Marshal includes
// the leading type byte.
type Block interface {
	BlockType() BlockType
	Marshal() ([]byte, error)
}

// blockLength returns the encoded length of the block starting at
// data[0], without decoding it. Most blocks carry their remaining
// length in the second byte; the 0x1d status response is fixed-size.
func blockLength(t BlockType, data []byte) (int, error) {
	if t == STATUS_RESPONSE {
		if len(data) < statusResponseLength {
			return 0, ErrNotEnoughData
		}
		return statusResponseLength, nil
	}
	if len(data) < 2 {
		return 0, ErrNotEnoughData
	}
	return int(data[1]) + 2, nil
}

// unmarshalBlock decodes one block from the start of data and reports
// how many bytes it consumed.
func unmarshalBlock(data []byte) (Block, int, error) {
	if len(data) < 1 {
		return nil, 0, ErrNotEnoughData
	}
	t := BlockType(data[0])
	n, err := blockLength(t, data)
	if err != nil {
		return nil, 0, err
	}
	if n > len(data) {
		return nil, 0, ErrNotEnoughData
	}
	sub := data[:n]

	var blk Block
	switch t {
	case POD_INFO_RESPONSE:
		blk, err = UnmarshalPodInfoResponse(sub)
	case ERROR_RESPONSE:
		blk, err = UnmarshalErrorResponse(sub)
	case GET_STATUS:
		blk, err = UnmarshalGetStatus(sub)
	case SILENCE_ALERTS:
		blk, err = UnmarshalSilenceAlerts(sub)
	case PROGRAM_BASAL:
		blk, err = UnmarshalBasalScheduleExtra(sub)
	case PROGRAM_TEMP_BASAL:
		blk, err = UnmarshalTempBasalExtra(sub)
	case PROGRAM_BOLUS:
		blk, err = UnmarshalBolusExtra(sub)
	case PROGRAM_INSULIN:
		blk, err = UnmarshalSetInsulinSchedule(sub)
	case STATUS_RESPONSE:
		blk, err = UnmarshalStatusResponse(sub)
	case BEEP_CONFIG:
		blk, err = UnmarshalBeepConfig(sub)
	case STOP_DELIVERY:
		blk, err = UnmarshalCancelDelivery(sub)
	default:
		return nil, 0, &UnknownBlockTypeError{Value: data[0]}
	}
	if err != nil {
		return nil, 0, err
	}
	return blk, n, nil
}
