package message

import (
	"errors"
	"fmt"
)

// ErrNotEnoughData is returned when a message or block is truncated.
var ErrNotEnoughData = errors.New("not enough data")

// UnknownBlockTypeError is returned when the leading type byte of a
// block does not match any known block type.
type UnknownBlockTypeError struct {
	Value byte
}

func (e *UnknownBlockTypeError) Error() string {
	return fmt.Sprintf("unknown message block type 0x%02x", e.Value)
}

// UnknownValueError is returned when a field decodes to a value outside
// its closed set.
type UnknownValueError struct {
	Value       byte
	Description string
}

func (e *UnknownValueError) Error() string {
	return fmt.Sprintf("unknown value 0x%02x for %s", e.Value, e.Description)
}

// ParsingError wraps a block decode failure with its offset into the
// message body.
type ParsingError struct {
	Offset int
	Data   []byte
	Err    error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("parsing error at offset %d in %x: %v", e.Offset, e.Data, e.Err)
}

func (e *ParsingError) Unwrap() error {
	return e.Err
}
