package session

import (
	"time"
)

// Transport is the radio link to one pod. Implementations own the
// connection plumbing; the session layer only exchanges encoded
// messages over it.
type Transport interface {
	// SendMessage writes one encoded message to the pod.
	SendMessage(data []byte) error
	// ReadResponse blocks until the pod answers or the timeout
	// elapses.
	ReadResponse(timeout time.Duration) ([]byte, error)
}
