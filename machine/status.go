package machine

import (
	"slices"
	"sync"

	"github.com/mastercactapus/laserweb/coord"
)

// MaxLogs is the number of log lines kept in a Status.
const MaxLogs = 50

// Frame identifies the coordinate frame of a reported position.
type Frame string

const (
	FrameMachine Frame = "machine"
	FrameWork    Frame = "work"
)

type AxisLimits struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Limits holds the travel range of each axis.
type Limits struct {
	X AxisLimits `json:"x"`
	Y AxisLimits `json:"y"`
	Z AxisLimits `json:"z"`
}

// DefaultLimits is used until the controller reports its own travel.
func DefaultLimits() Limits {
	return Limits{
		X: AxisLimits{Min: 0, Max: 200},
		Y: AxisLimits{Min: 0, Max: 200},
		Z: AxisLimits{Min: 0, Max: 200},
	}
}

// Status is a snapshot of everything known about a machine.
type Status struct {
	State    State       `json:"state"`
	Pos      coord.Point `json:"pos"`
	Frame    Frame       `json:"frame,omitempty"`
	Feedrate float64     `json:"feedrate"`
	Spindle  float64     `json:"spindle"`
	Logs     []string    `json:"logs"`
	Ports    string      `json:"ports,omitempty"`
	Limits   *Limits     `json:"limits,omitempty"`
	Macros   []string    `json:"macros,omitempty"`
}

// Clone returns a deep copy of s.
func (s Status) Clone() Status {
	s.Logs = append([]string{}, s.Logs...)
	if s.Limits != nil {
		l := *s.Limits
		s.Limits = &l
	}
	if s.Macros != nil {
		s.Macros = append([]string{}, s.Macros...)
	}
	return s
}

func (s Status) Equal(o Status) bool {
	if s.State != o.State || !s.Pos.Equal(o.Pos) || s.Frame != o.Frame ||
		s.Feedrate != o.Feedrate || s.Spindle != o.Spindle || s.Ports != o.Ports {
		return false
	}
	if (s.Limits == nil) != (o.Limits == nil) {
		return false
	}
	if s.Limits != nil && *s.Limits != *o.Limits {
		return false
	}
	return slices.Equal(s.Logs, o.Logs) && slices.Equal(s.Macros, o.Macros)
}

// ApplyStateToken sets the state from a raw controller status word.
func (s *Status) ApplyStateToken(token string) {
	s.State = State(token)
}

// ApplyPosition merges a reported position. Fewer than three values
// leave the remaining axes untouched.
func (s *Status) ApplyPosition(vals []float64, f Frame) {
	s.Pos = s.Pos.Merge(vals)
	if f != "" {
		s.Frame = f
	}
}

// InitLimits creates the default limits block if none is set yet.
func (s *Status) InitLimits() {
	if s.Limits == nil {
		l := DefaultLimits()
		s.Limits = &l
	}
}

// ApplyLimit sets the max travel of one axis.
func (s *Status) ApplyLimit(axis Axis, max float64) {
	s.InitLimits()
	switch axis {
	case AxisX:
		s.Limits.X.Max = max
	case AxisY:
		s.Limits.Y.Max = max
	case AxisZ:
		s.Limits.Z.Max = max
	}
}

// AppendLog adds a line, evicting the oldest once MaxLogs is exceeded.
func (s *Status) AppendLog(line string) {
	s.Logs = append(s.Logs, line)
	if len(s.Logs) > MaxLogs {
		s.Logs = append([]string{}, s.Logs[len(s.Logs)-MaxLogs:]...)
	}
}

// StatusModel owns the Status of one protocol instance.
//
// All changes implied by one inbound frame are made inside a single Apply
// call, so Snapshot never observes a partially applied frame.
type StatusModel struct {
	mx      sync.RWMutex
	status  Status
	updates chan Status
	closed  bool
}

// NewStatusModel creates a Disconnected model whose update stream holds
// up to buffer snapshots.
func NewStatusModel(buffer int) *StatusModel {
	if buffer < 1 {
		buffer = 1
	}
	return &StatusModel{
		status:  Status{State: StateDisconnected, Logs: []string{}},
		updates: make(chan Status, buffer),
	}
}

// Snapshot returns a copy of the current status.
func (m *StatusModel) Snapshot() Status {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return m.status.Clone()
}

// Apply runs fn against a copy of the status and commits the result.
//
// It returns false, and publishes nothing, if fn changed nothing.
func (m *StatusModel) Apply(fn func(*Status)) bool {
	m.mx.Lock()
	defer m.mx.Unlock()

	next := m.status.Clone()
	fn(&next)
	if next.Equal(m.status) {
		return false
	}
	m.status = next
	if !m.closed {
		offer(m.updates, next.Clone())
	}
	return true
}

// Updates returns a stream of snapshots, one per committed change.
//
// When the reader falls behind the oldest snapshots are dropped.
func (m *StatusModel) Updates() <-chan Status { return m.updates }

// Close ends the update stream. The model can still be read and applied to.
func (m *StatusModel) Close() {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.updates)
}

// offer sends s on ch, discarding the oldest queued value when ch is full.
func offer(ch chan Status, s Status) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
