package signaling

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when the relay socket is not open.
// The caller may Connect and retry; nothing is queued on its behalf.
var ErrNotConnected = errors.New("signaling: not connected to relay")

// TransportError wraps failures of the relay connection itself (dial,
// register, socket write). Recoverable by a caller-initiated reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
