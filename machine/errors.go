package machine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned for operations attempted without an open connection.
	ErrNotConnected = errors.New("not connected")

	// ErrProbeUnsupported is returned by controllers with no blocking probe primitive.
	ErrProbeUnsupported = errors.New("probe not supported by this controller")

	// ErrTimeout is returned when a device does not answer a request in time.
	ErrTimeout = errors.New("request timed out")

	ErrInvalidAxis = errors.New("invalid axis")
	ErrUnknownKind = errors.New("unknown machine type")
)

// ConnectError is returned when the transport to a machine cannot be opened.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
