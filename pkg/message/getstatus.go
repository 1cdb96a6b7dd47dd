package message

// GetStatus is the 0x0e status request: one byte selecting the pod
// info page to return.
type GetStatus struct {
	PodInfoType PodInfoType
}

func UnmarshalGetStatus(data []byte) (*GetStatus, error) {
	if len(data) < 3 {
		return nil, ErrNotEnoughData
	}
	return &GetStatus{PodInfoType: PodInfoType(data[2])}, nil
}

func (g *GetStatus) BlockType() BlockType {
	return GET_STATUS
}

func (g *GetStatus) Marshal() ([]byte, error) {
	return []byte{byte(GET_STATUS), 0x01, byte(g.PodInfoType)}, nil
}
