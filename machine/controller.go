package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind selects the protocol used for a connection.
type Kind string

const (
	KindGrbl    Kind = "grbl"
	KindKlipper Kind = "klipper"
	KindMock    Kind = "mock"
)

// ConnectOptions describe a connection request.
type ConnectOptions struct {
	Kind Kind

	// Target is a serial port path for GRBL and a host[:port] or
	// ws:// URL for Klipper.
	Target string

	Baud   int
	APIKey string
}

// Factory creates an unconnected Protocol for opts.
type Factory func(opts ConnectOptions, log *zap.Logger) (Protocol, error)

// Controller owns at most one active Protocol and forwards operations to it.
type Controller struct {
	log       *zap.Logger
	factories map[Kind]Factory
	events    chan Status

	// connMx serializes connect and disconnect.
	connMx sync.Mutex

	mx     sync.RWMutex
	active Protocol
	kind   Kind
	stop   chan struct{}

	// forwarded is closed once the active forwarder has exited.
	forwarded chan struct{}
}

// NewController creates a Controller with no active machine.
func NewController(log *zap.Logger, eventBuffer int, factories map[Kind]Factory) *Controller {
	if eventBuffer < 1 {
		eventBuffer = 1
	}
	return &Controller{
		log:       log,
		factories: factories,
		events:    make(chan Status, eventBuffer),
	}
}

// Connect tears down any active machine and connects a new one.
//
// A failed teardown of the previous machine is logged and ignored.
func (c *Controller) Connect(ctx context.Context, opts ConnectOptions) error {
	factory, ok := c.factories[opts.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, opts.Kind)
	}

	c.connMx.Lock()
	defer c.connMx.Unlock()

	c.teardown()

	session := uuid.New()
	log := c.log.With(
		zap.String("kind", string(opts.Kind)),
		zap.String("target", opts.Target),
		zap.Stringer("session", session),
	)

	p, err := factory(opts, log)
	if err != nil {
		return &ConnectError{Target: opts.Target, Err: err}
	}

	stop, forwarded := make(chan struct{}), make(chan struct{})
	c.mx.Lock()
	c.active = p
	c.kind = opts.Kind
	c.stop, c.forwarded = stop, forwarded
	c.mx.Unlock()
	go c.forward(p.Status().Updates(), stop, forwarded)

	log.Info("connecting")
	err = p.Connect(ctx, opts.Target)
	if err != nil {
		log.Error("connect failed", zap.Error(err))
		var cErr *ConnectError
		if !errors.As(err, &cErr) {
			err = &ConnectError{Target: opts.Target, Err: err}
		}
		return err
	}
	log.Info("connected")
	return nil
}

// Disconnect closes the active machine, if any. It never fails.
func (c *Controller) Disconnect() {
	c.connMx.Lock()
	defer c.connMx.Unlock()
	c.teardown()
}

func (c *Controller) teardown() {
	c.mx.Lock()
	p, stop, forwarded := c.active, c.stop, c.forwarded
	c.active, c.kind, c.stop, c.forwarded = nil, "", nil, nil
	c.mx.Unlock()

	if p == nil {
		return
	}
	if err := p.Disconnect(); err != nil {
		c.log.Warn("disconnect previous machine", zap.Error(err))
	}
	close(stop)
	// nothing from the old machine may follow its Disconnected event
	<-forwarded
	offer(c.events, Status{State: StateDisconnected, Logs: []string{}})
}

func (c *Controller) forward(updates <-chan Status, stop <-chan struct{}, forwarded chan<- struct{}) {
	defer close(forwarded)
	for {
		select {
		case <-stop:
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			offer(c.events, s)
		}
	}
}

func (c *Controller) protocol() (Protocol, error) {
	c.mx.RLock()
	defer c.mx.RUnlock()
	if c.active == nil {
		return nil, ErrNotConnected
	}
	return c.active, nil
}

// Kind returns the kind of the active machine, or "" if there is none.
func (c *Controller) Kind() Kind {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.kind
}

// Status returns a snapshot of the active machine. With no machine it
// returns a Disconnected status.
func (c *Controller) Status() Status {
	p, err := c.protocol()
	if err != nil {
		return Status{State: StateDisconnected, Logs: []string{}}
	}
	return p.Status().Snapshot()
}

// Events returns a stream of status snapshots from whichever machine is
// active. Slow readers miss intermediate snapshots, never the latest one.
func (c *Controller) Events() <-chan Status { return c.events }

func (c *Controller) Jog(ctx context.Context, axis Axis, dist, feedrate float64) error {
	p, err := c.protocol()
	if err != nil {
		return err
	}
	if !axis.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAxis, axis)
	}
	return p.Jog(ctx, axis, dist, feedrate)
}

func (c *Controller) Home(ctx context.Context) error {
	p, err := c.protocol()
	if err != nil {
		return err
	}
	return p.Home(ctx)
}

func (c *Controller) Command(ctx context.Context, line string) error {
	p, err := c.protocol()
	if err != nil {
		return err
	}
	return p.Command(ctx, line)
}

func (c *Controller) Probe(ctx context.Context, req ProbeRequest) error {
	p, err := c.protocol()
	if err != nil {
		return err
	}
	err = req.Validate()
	if err != nil {
		return err
	}
	if req.Axis == "" {
		req.Axis = AxisZ
	}
	return p.Probe(ctx, req)
}

// UploadFile streams a G-code program to the active machine.
func (c *Controller) UploadFile(ctx context.Context, name string, r io.Reader) error {
	p, err := c.protocol()
	if err != nil {
		return err
	}
	return p.UploadFile(ctx, name, r)
}
