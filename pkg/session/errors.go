package session

import (
	"errors"
	"fmt"

	"github.com/avereha/pdm/pkg/message"
)

// ErrNoResponse is returned once the per-send retry budget is
// exhausted without hearing back from the pod.
var ErrNoResponse = errors.New("no response from pod")

// ErrNoPodPaired is returned when a session is requested without a
// paired pod.
var ErrNoPodPaired = errors.New("no pod paired")

// ErrPodSuspended rejects delivery commands while the pod is
// suspended.
var ErrPodSuspended = errors.New("pod is suspended")

// ErrUnfinalizedBolus rejects commands that would race with a bolus
// whose outcome is still unknown.
var ErrUnfinalizedBolus = errors.New("unfinalized bolus in progress")

// ErrSessionInvalidated is returned when a session handle is used
// after its RunSession body returned.
var ErrSessionInvalidated = errors.New("session is no longer valid")

// CrosstalkError reports a response that did not match the request:
// wrong address or wrong sequence, meaning another device (or a stale
// exchange) answered.
type CrosstalkError struct {
	ExpectedAddress uint32
	GotAddress      uint32
	ExpectedSeq     int
	GotSeq          int
}

func (e *CrosstalkError) Error() string {
	if e.ExpectedAddress != e.GotAddress {
		return fmt.Sprintf("crosstalk: response address %08x, expected %08x", e.GotAddress, e.ExpectedAddress)
	}
	return fmt.Sprintf("crosstalk: response sequence %d, expected %d", e.GotSeq, e.ExpectedSeq)
}

// PodFaultError carries the pod's fault record; the pod will not
// deliver again and must be replaced.
type PodFaultError struct {
	Fault *message.DetailedStatus
}

func (e *PodFaultError) Error() string {
	return fmt.Sprintf("pod fault 0x%02x at %d minutes", byte(e.Fault.FaultEventCode), e.Fault.FaultMinutes)
}

// ErrorResponseError reports a command the pod explicitly rejected.
// The command was definitely not applied.
type ErrorResponseError struct {
	Response *message.ErrorResponse
}

func (e *ErrorResponseError) Error() string {
	return fmt.Sprintf("pod rejected command: code 0x%02x", byte(e.Response.Code))
}

// UnexpectedResponseError reports a decodable response that does not
// answer the request (e.g. no status block where one is required).
type UnexpectedResponseError struct {
	Message *message.Message
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected response: %s", e.Message)
}
