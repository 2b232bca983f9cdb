package machine

import (
	"context"
	"io"
)

// A Protocol drives a single connection to a machine.
//
// Instances are single-use: the Controller creates a new one for
// every Connect.
type Protocol interface {
	Connect(ctx context.Context, target string) error
	Disconnect() error

	Jog(ctx context.Context, axis Axis, dist, feedrate float64) error
	Home(ctx context.Context) error
	Command(ctx context.Context, line string) error
	Probe(ctx context.Context, req ProbeRequest) error
	UploadFile(ctx context.Context, name string, r io.Reader) error

	Status() *StatusModel
}
