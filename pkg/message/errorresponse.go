package message

// ErrorResponseCode distinguishes why the pod rejected a command.
type ErrorResponseCode uint8

const (
	ErrorCodeBadNonce         ErrorResponseCode = 0x14
	ErrorCodeInvalidCommand   ErrorResponseCode = 0x07
	ErrorCodeNotEnoughInsulin ErrorResponseCode = 0x04
)

// ErrorResponse is the 0x06 block: a rejection of the previous command.
// The pod did not apply the command, so the sender may treat this as a
// certain failure.
type ErrorResponse struct {
	Code        ErrorResponseCode
	FaultCode   FaultEventCode
	PodProgress PodProgress
}

func UnmarshalErrorResponse(data []byte) (*ErrorResponse, error) {
	if len(data) < 5 {
		return nil, ErrNotEnoughData
	}
	return &ErrorResponse{
		Code:        ErrorResponseCode(data[2]),
		FaultCode:   FaultEventCode(data[3]),
		PodProgress: PodProgress(data[4]),
	}, nil
}

func (e *ErrorResponse) BlockType() BlockType {
	return ERROR_RESPONSE
}

func (e *ErrorResponse) Marshal() ([]byte, error) {
	return []byte{
		byte(ERROR_RESPONSE),
		3,
		byte(e.Code),
		byte(e.FaultCode),
		byte(e.PodProgress),
	}, nil
}
