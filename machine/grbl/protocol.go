// Package grbl drives Grbl controllers over a line-oriented serial link.
package grbl

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mastercactapus/laserweb/gcode"
	"github.com/mastercactapus/laserweb/machine"
	"github.com/mastercactapus/laserweb/transport"
)

// Realtime commands. Grbl acts on these as soon as they are received.
const (
	CmdStatus byte = '?'
	CmdHold   byte = '!'
	CmdResume byte = '~'
	CmdReset  byte = 0x18
)

type Config struct {
	// SettleDelay is how long to wait after opening the port before
	// talking to the controller. Most boards reset on open.
	SettleDelay time.Duration

	// StatusInterval is the realtime status poll rate. Zero disables polling.
	StatusInterval time.Duration

	// BufferSize is the controller's serial RX buffer in bytes.
	BufferSize int

	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		SettleDelay:    500 * time.Millisecond,
		StatusInterval: 250 * time.Millisecond,
		BufferSize:     DefaultBufferSize,
		EventBuffer:    16,
	}
}

// Protocol is a single connection to a Grbl controller.
type Protocol struct {
	cfg    Config
	log    *zap.Logger
	ch     transport.Channel
	conn   *Conn
	status *machine.StatusModel

	connected atomic.Bool

	mx     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ machine.Protocol = &Protocol{}

// New creates an unconnected Protocol that talks over ch.
func New(ch transport.Channel, cfg Config, log *zap.Logger) *Protocol {
	return &Protocol{
		cfg:    cfg,
		log:    log,
		ch:     ch,
		conn:   NewConn(ch, cfg.BufferSize),
		status: machine.NewStatusModel(cfg.EventBuffer),
	}
}

func (p *Protocol) Status() *machine.StatusModel { return p.status }

// Connect opens the port and optimistically reports Idle. Grbl has no
// ready handshake, so the settings dump is requested once the board
// has had time to come out of reset.
func (p *Protocol) Connect(ctx context.Context, target string) error {
	p.status.Apply(func(s *machine.Status) { s.State = machine.StateConnecting })

	err := p.ch.Open(ctx, target)
	if err != nil {
		p.status.Apply(func(s *machine.Status) {
			s.State = machine.StateDisconnected
			s.AppendLog(err.Error())
		})
		return err
	}
	p.connected.Store(true)
	p.status.Apply(func(s *machine.Status) { s.State = machine.StateIdle })

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mx.Lock()
	p.cancel = cancel
	p.mx.Unlock()

	p.wg.Add(2)
	go p.readLoop()
	go p.pollLoop(loopCtx)
	return nil
}

func (p *Protocol) readLoop() {
	defer p.wg.Done()
	for frame := range p.ch.Frames() {
		p.handleLine(string(frame))
	}

	p.connected.Store(false)
	if err := p.ch.Err(); err != nil {
		p.log.Warn("connection lost", zap.Error(err))
	}
	p.status.Apply(func(s *machine.Status) { s.State = machine.StateDisconnected })
}

func (p *Protocol) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	select {
	case <-time.After(p.cfg.SettleDelay):
	case <-ctx.Done():
		return
	case <-p.ch.Done():
		return
	}

	err := p.conn.WriteLines(ctx, "$$")
	if err != nil {
		p.log.Warn("request settings", zap.Error(err))
	}

	if p.cfg.StatusInterval <= 0 {
		return
	}
	t := time.NewTicker(p.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			err = p.conn.WriteByte(CmdStatus)
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-p.ch.Done():
			return
		}
	}
}

func (p *Protocol) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	switch {
	case line[0] == '<':
		r, err := parseReport(line)
		if err != nil {
			p.log.Debug("malformed status report", zap.String("line", line), zap.Error(err))
			p.status.Apply(func(s *machine.Status) { s.AppendLog(line) })
			return
		}
		p.status.Apply(func(s *machine.Status) {
			s.ApplyStateToken(r.state)
			if r.pos != nil {
				s.ApplyPosition(r.pos, r.frame)
			}
			if r.hasFeed {
				s.Feedrate = r.feed
			}
			if r.hasSpindle {
				s.Spindle = r.spindle
			}
			s.Ports = r.ports
		})
		return
	case line == "ok" || strings.HasPrefix(line, "error:"):
		p.conn.Ack()
	case strings.HasPrefix(line, "Grbl "):
		p.log.Info("controller reset", zap.String("banner", line))
		p.conn.Reset()
	case line[0] == '$':
		if id, val, ok := parseSetting(line); ok {
			p.status.Apply(func(s *machine.Status) {
				s.InitLimits()
				if axis, ok := settingAxes[id]; ok {
					s.ApplyLimit(axis, val)
				}
				s.AppendLog(line)
			})
			return
		}
	}

	p.status.Apply(func(s *machine.Status) { s.AppendLog(line) })
}

func (p *Protocol) write(ctx context.Context, blocks ...gcode.Block) error {
	if !p.connected.Load() {
		return machine.ErrNotConnected
	}
	lines := make([]string, len(blocks))
	for i, b := range blocks {
		lines[i] = b.String()
	}
	return p.conn.WriteLines(ctx, lines...)
}

func (p *Protocol) writeByte(b byte) error {
	if !p.connected.Load() {
		return machine.ErrNotConnected
	}
	return p.conn.WriteByte(b)
}

// Jog moves one axis relative to the current position with a `$J=`
// jog, which Grbl cancels on its own when other motion is queued.
func (p *Protocol) Jog(ctx context.Context, axis machine.Axis, dist, feedrate float64) error {
	if !axis.Valid() {
		return machine.ErrInvalidAxis
	}
	if !p.connected.Load() {
		return machine.ErrNotConnected
	}
	b := gcode.Block{
		{W: 'G', Arg: 91},
		gcode.Axis(axis.Letter(), dist),
		{W: 'F', Arg: feedrate},
	}
	return p.conn.WriteLines(ctx, "$J="+b.String())
}

func (p *Protocol) Home(ctx context.Context) error {
	if !p.connected.Load() {
		return machine.ErrNotConnected
	}
	return p.conn.WriteLines(ctx, "$H")
}

// Command sends line verbatim. A lone realtime character is sent
// without a newline.
func (p *Protocol) Command(ctx context.Context, line string) error {
	if len(line) == 1 {
		switch line[0] {
		case CmdReset:
			return p.Reset()
		case CmdStatus, CmdHold, CmdResume:
			return p.writeByte(line[0])
		}
	}
	if !p.connected.Load() {
		return machine.ErrNotConnected
	}
	return p.conn.WriteLines(ctx, strings.TrimRight(line, "\r\n"))
}

// Probe queues the probe macro and returns without waiting for contact.
// G38.2 blocks the planner on the controller, so later lines of the macro
// only run once the probe has triggered.
func (p *Protocol) Probe(ctx context.Context, req machine.ProbeRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return p.write(ctx, req.Blocks()...)
}

// UploadFile streams a program to the controller. It returns once the
// last line has been accepted into the controller's buffer, or with
// ErrGrblReset if the controller is reset first.
func (p *Protocol) UploadFile(ctx context.Context, name string, r io.Reader) error {
	if !p.connected.Load() {
		return machine.ErrNotConnected
	}
	p.log.Info("streaming program", zap.String("name", name))
	n, err := p.conn.WriteFrom(ctx, r)
	if err != nil {
		p.log.Warn("streaming aborted", zap.String("name", name), zap.Int("lines", n), zap.Error(err))
		return err
	}
	p.log.Info("program sent", zap.String("name", name), zap.Int("lines", n))
	return nil
}

// Hold pauses motion.
func (p *Protocol) Hold() error { return p.writeByte(CmdHold) }

// Resume continues after a Hold.
func (p *Protocol) Resume() error { return p.writeByte(CmdResume) }

// Reset soft-resets the controller, discarding everything queued.
// Any program still streaming is aborted before the reset is sent.
func (p *Protocol) Reset() error {
	if !p.connected.Load() {
		return machine.ErrNotConnected
	}
	p.conn.Reset()
	return p.conn.WriteByte(CmdReset)
}

// Disconnect closes the port. The status stream ends once the reader
// has drained.
func (p *Protocol) Disconnect() error {
	p.mx.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mx.Unlock()
	if cancel != nil {
		cancel()
	}

	p.connected.Store(false)
	err := p.ch.Close()
	p.wg.Wait()
	p.status.Apply(func(s *machine.Status) { s.State = machine.StateDisconnected })
	p.status.Close()
	return err
}
