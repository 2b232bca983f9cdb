// Package sim provides a simulated machine for running the server
// without hardware.
package sim

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mastercactapus/laserweb/coord"
	"github.com/mastercactapus/laserweb/gcode"
	"github.com/mastercactapus/laserweb/machine"
)

type Config struct {
	ConnectDelay time.Duration

	// MoveDelay is how long every jog, home or probe step takes.
	MoveDelay time.Duration

	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		ConnectDelay: 500 * time.Millisecond,
		MoveDelay:    500 * time.Millisecond,
		EventBuffer:  16,
	}
}

// Machine is a simulated three axis machine. It accepts any target.
type Machine struct {
	cfg    Config
	log    *zap.Logger
	status *machine.StatusModel

	connected atomic.Bool
}

var _ machine.Protocol = &Machine{}

func New(cfg Config, log *zap.Logger) *Machine {
	return &Machine{
		cfg:    cfg,
		log:    log,
		status: machine.NewStatusModel(cfg.EventBuffer),
	}
}

func (m *Machine) Status() *machine.StatusModel { return m.status }

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) Connect(ctx context.Context, target string) error {
	m.status.Apply(func(s *machine.Status) { s.State = machine.StateConnecting })
	err := sleep(ctx, m.cfg.ConnectDelay)
	if err != nil {
		m.status.Apply(func(s *machine.Status) { s.State = machine.StateDisconnected })
		return &machine.ConnectError{Target: target, Err: err}
	}

	m.connected.Store(true)
	m.status.Apply(func(s *machine.Status) {
		s.State = machine.StateIdle
		s.InitLimits()
		s.AppendLog("Grbl 1.1h ['$' for help] (simulated)")
	})
	m.log.Debug("simulated machine connected")
	return nil
}

func (m *Machine) Disconnect() error {
	m.connected.Store(false)
	m.status.Apply(func(s *machine.Status) { s.State = machine.StateDisconnected })
	m.status.Close()
	return nil
}

func (m *Machine) check() error {
	if !m.connected.Load() {
		return machine.ErrNotConnected
	}
	return nil
}

// move runs fn after MoveDelay in the Run state.
func (m *Machine) move(ctx context.Context, feedrate float64, fn func(s *machine.Status)) error {
	m.status.Apply(func(s *machine.Status) {
		s.State = machine.StateRun
		s.Feedrate = feedrate
	})
	err := sleep(ctx, m.cfg.MoveDelay)
	m.status.Apply(func(s *machine.Status) {
		if err == nil {
			fn(s)
		}
		s.State = machine.StateIdle
		s.Feedrate = 0
	})
	return err
}

func (m *Machine) Jog(ctx context.Context, axis machine.Axis, dist, feedrate float64) error {
	if err := m.check(); err != nil {
		return err
	}
	if !axis.Valid() {
		return machine.ErrInvalidAxis
	}
	return m.move(ctx, feedrate, func(s *machine.Status) {
		l := axis.Letter()
		s.Pos = s.Pos.WithAxis(l, s.Pos.Axis(l)+dist)
	})
}

func (m *Machine) Home(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	m.status.Apply(func(s *machine.Status) { s.State = machine.StateHome })
	err := sleep(ctx, m.cfg.MoveDelay)
	m.status.Apply(func(s *machine.Status) {
		if err == nil {
			s.Pos = coord.Point{}
		}
		s.State = machine.StateIdle
	})
	return err
}

// Command echoes the line and acknowledges it.
func (m *Machine) Command(ctx context.Context, line string) error {
	if err := m.check(); err != nil {
		return err
	}
	m.status.Apply(func(s *machine.Status) {
		s.AppendLog(">> " + line)
		s.AppendLog("ok")
	})
	return nil
}

// Probe touches off immediately below the current position and
// leaves z at the retract height.
func (m *Machine) Probe(ctx context.Context, req machine.ProbeRequest) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	m.status.Apply(func(s *machine.Status) {
		s.AppendLog("[PRB] searching at " + gcode.Word{W: 'F', Arg: req.Feedrate}.String())
	})
	err := m.move(ctx, req.Feedrate, func(s *machine.Status) {
		s.Pos.Z = req.PlateThickness
		s.AppendLog("[PRB] contact")
	})
	if err != nil {
		return err
	}
	return m.move(ctx, 0, func(s *machine.Status) {
		s.Pos.Z = req.PlateThickness + req.Retract
		s.AppendLog("[PRB] retracted to " + gcode.Word{W: 'Z', Arg: s.Pos.Z}.String())
	})
}

// UploadFile runs the program instantly, logging the line count.
func (m *Machine) UploadFile(ctx context.Context, name string, r io.Reader) error {
	if err := m.check(); err != nil {
		return err
	}
	m.status.Apply(func(s *machine.Status) { s.State = machine.StateRun })

	lr := gcode.NewLineReader(r)
	var n int
	var err error
	for {
		_, err = lr.Read()
		if err != nil {
			break
		}
		n++
		if n%100 == 0 {
			if err = ctx.Err(); err != nil {
				break
			}
		}
	}
	if err == io.EOF {
		err = nil
	}

	m.status.Apply(func(s *machine.Status) {
		s.State = machine.StateIdle
		if err == nil {
			s.AppendLog(fmt.Sprintf("%s: %d lines done", name, n))
		}
	})
	return err
}
