// Package klipper drives Klipper printers through Moonraker's JSON-RPC
// WebSocket API.
package klipper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mastercactapus/laserweb/gcode"
	"github.com/mastercactapus/laserweb/machine"
	"github.com/mastercactapus/laserweb/transport"
)

type Config struct {
	// RequestTimeout bounds every RPC call. Zero waits forever.
	RequestTimeout time.Duration

	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		EventBuffer:    16,
	}
}

const macroPrefix = "gcode_macro "

// subscription lists the printer objects pushed by notify_status_update.
var subscription = map[string]interface{}{
	"objects": map[string][]string{
		"toolhead":    {"position", "status", "max_velocity"},
		"print_stats": {"state"},
	},
}

// printStates maps print_stats.state to a machine state.
var printStates = map[string]machine.State{
	"printing":  machine.StateRun,
	"paused":    machine.StateHold,
	"error":     machine.StateAlarm,
	"standby":   machine.StateIdle,
	"complete":  machine.StateIdle,
	"cancelled": machine.StateIdle,
}

// Protocol is a single connection to a Moonraker instance.
type Protocol struct {
	cfg    Config
	log    *zap.Logger
	ch     transport.Channel
	rpc    *client
	status *machine.StatusModel

	mx     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ machine.Protocol = &Protocol{}

func New(ch transport.Channel, cfg Config, log *zap.Logger) *Protocol {
	return &Protocol{
		cfg:    cfg,
		log:    log,
		ch:     ch,
		rpc:    newClient(ch, cfg.RequestTimeout),
		status: machine.NewStatusModel(cfg.EventBuffer),
	}
}

func (p *Protocol) Status() *machine.StatusModel { return p.status }

// WebSocketURL turns a host[:port] into Moonraker's websocket endpoint.
// Full ws:// and wss:// URLs are used as given.
func WebSocketURL(target string) string {
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		return target
	}
	return "ws://" + strings.TrimSuffix(target, "/") + "/websocket"
}

// Connect opens the websocket and reports Idle. Object subscription and
// configuration discovery continue in the background.
func (p *Protocol) Connect(ctx context.Context, target string) error {
	p.status.Apply(func(s *machine.Status) { s.State = machine.StateConnecting })

	err := p.ch.Open(ctx, WebSocketURL(target))
	if err != nil {
		p.status.Apply(func(s *machine.Status) {
			s.State = machine.StateDisconnected
			s.AppendLog(err.Error())
		})
		return err
	}
	p.rpc.open()
	p.status.Apply(func(s *machine.Status) { s.State = machine.StateIdle })

	setupCtx, cancel := context.WithCancel(context.Background())
	p.mx.Lock()
	p.cancel = cancel
	p.mx.Unlock()

	p.wg.Add(2)
	go p.readLoop()
	go p.setup(setupCtx)
	return nil
}

func (p *Protocol) setup(ctx context.Context) {
	defer p.wg.Done()

	// the subscription response is a full snapshot, but the printer
	// pushes the same objects again as soon as anything changes
	err := p.rpc.call(ctx, "printer.objects.subscribe", subscription, nil)
	if err != nil {
		p.log.Warn("subscribe", zap.Error(err))
	}

	err = p.fetchConfig(ctx)
	if err != nil {
		p.log.Warn("fetch config", zap.Error(err))
	}
}

type configResult struct {
	Status struct {
		ConfigFile struct {
			Config map[string]map[string]interface{} `json:"config"`
		} `json:"configfile"`
	} `json:"status"`
}

func (p *Protocol) fetchConfig(ctx context.Context) error {
	var res configResult
	err := p.rpc.call(ctx, "printer.objects.query", map[string]interface{}{
		"objects": map[string]interface{}{"configfile": nil},
	}, &res)
	if err != nil {
		return err
	}

	limits, macros := parseConfig(res.Status.ConfigFile.Config)
	p.status.Apply(func(s *machine.Status) {
		s.Limits = &limits
		s.Macros = macros
	})
	return nil
}

// parseLimit reads a numeric option. Moonraker reports raw config
// values as strings.
func parseLimit(section map[string]interface{}, key string, def float64) float64 {
	switch v := section[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f
		}
	}
	return def
}

// parseConfig extracts axis travel from the stepper sections and the
// names of all G-code macros, sorted.
func parseConfig(cfg map[string]map[string]interface{}) (machine.Limits, []string) {
	limits := machine.DefaultLimits()
	for _, l := range []struct {
		section string
		lim     *machine.AxisLimits
	}{
		{"stepper_x", &limits.X},
		{"stepper_y", &limits.Y},
		{"stepper_z", &limits.Z},
	} {
		sec, ok := cfg[l.section]
		if !ok {
			continue
		}
		l.lim.Min = parseLimit(sec, "position_min", 0)
		l.lim.Max = parseLimit(sec, "position_max", 200)
	}

	macros := []string{}
	for key := range cfg {
		if strings.HasPrefix(key, macroPrefix) {
			macros = append(macros, strings.TrimPrefix(key, macroPrefix))
		}
	}
	sort.Strings(macros)
	return limits, macros
}

func (p *Protocol) readLoop() {
	defer p.wg.Done()
	for frame := range p.ch.Frames() {
		p.handleFrame(frame)
	}

	err := p.ch.Err()
	if err != nil {
		p.log.Warn("connection lost", zap.Error(err))
	}
	p.rpc.failAll(machine.ErrNotConnected)
	p.status.Apply(func(s *machine.Status) { s.State = machine.StateDisconnected })
}

func (p *Protocol) handleFrame(data []byte) {
	var msg message
	err := json.Unmarshal(data, &msg)
	if err != nil {
		p.log.Warn("malformed message", zap.ByteString("data", data), zap.Error(err))
		p.status.Apply(func(s *machine.Status) { s.AppendLog(string(data)) })
		return
	}

	if msg.ID != nil {
		if !p.rpc.resolve(&msg) {
			p.log.Debug("response without pending request", zap.Int64("id", *msg.ID))
		}
		return
	}

	switch msg.Method {
	case "notify_status_update":
		p.handleStatusUpdate(msg.Params)
	case "notify_gcode_response":
		var params []string
		err = json.Unmarshal(msg.Params, &params)
		if err != nil || len(params) == 0 {
			p.log.Warn("malformed gcode response", zap.ByteString("params", msg.Params))
			return
		}
		p.status.Apply(func(s *machine.Status) { s.AppendLog(params[0]) })
	case "notify_klippy_ready":
		p.status.Apply(func(s *machine.Status) { s.State = machine.StateIdle })
	case "notify_klippy_shutdown", "notify_klippy_disconnected":
		p.status.Apply(func(s *machine.Status) {
			s.State = machine.StateAlarm
			s.AppendLog(strings.TrimPrefix(msg.Method, "notify_"))
		})
	}
}

type statusUpdate struct {
	Toolhead *struct {
		Position []float64 `json:"position"`
	} `json:"toolhead"`
	PrintStats *struct {
		State string `json:"state"`
	} `json:"print_stats"`
}

// handleStatusUpdate applies one notify_status_update. Params are
// [objects, eventtime]; only changed objects and fields are present.
func (p *Protocol) handleStatusUpdate(raw json.RawMessage) {
	var params []json.RawMessage
	err := json.Unmarshal(raw, &params)
	if err != nil || len(params) == 0 {
		p.log.Warn("malformed status update", zap.ByteString("params", raw))
		return
	}
	var upd statusUpdate
	err = json.Unmarshal(params[0], &upd)
	if err != nil {
		p.log.Warn("malformed status update", zap.ByteString("params", raw), zap.Error(err))
		return
	}

	p.status.Apply(func(s *machine.Status) {
		if upd.Toolhead != nil && len(upd.Toolhead.Position) > 0 {
			s.ApplyPosition(upd.Toolhead.Position, "")
		}
		if upd.PrintStats != nil {
			if st, ok := printStates[upd.PrintStats.State]; ok {
				s.State = st
			}
		}
	})
}

// script runs one line of G-code and waits for Klipper to finish it.
func (p *Protocol) script(ctx context.Context, line string) error {
	return p.rpc.call(ctx, "printer.gcode.script", map[string]string{"script": line}, nil)
}

// Jog switches to relative mode, moves, and switches back. Each step
// is awaited and a failure skips the rest.
func (p *Protocol) Jog(ctx context.Context, axis machine.Axis, dist, feedrate float64) error {
	if !axis.Valid() {
		return machine.ErrInvalidAxis
	}
	move := gcode.Block{{W: 'G', Arg: 1}, gcode.Axis(axis.Letter(), dist), {W: 'F', Arg: feedrate}}
	for _, line := range []string{"G91", move.String(), "G90"} {
		err := p.script(ctx, line)
		if err != nil {
			return fmt.Errorf("jog %s: %w", line, err)
		}
	}
	return nil
}

func (p *Protocol) Home(ctx context.Context) error { return p.script(ctx, "G28") }

func (p *Protocol) Command(ctx context.Context, line string) error {
	return p.script(ctx, strings.TrimSpace(line))
}

// Probe is not supported; Klipper has no G38 style probe move.
func (p *Protocol) Probe(ctx context.Context, req machine.ProbeRequest) error {
	return machine.ErrProbeUnsupported
}

// UploadFile runs a program one line at a time.
func (p *Protocol) UploadFile(ctx context.Context, name string, r io.Reader) error {
	p.log.Info("streaming program", zap.String("name", name))
	lr := gcode.NewLineReader(r)
	var n int
	for {
		line, err := lr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		err = p.script(ctx, line)
		if err != nil {
			p.log.Warn("streaming aborted", zap.String("name", name), zap.Int("lines", n), zap.Error(err))
			return fmt.Errorf("line %d: %w", n+1, err)
		}
		n++
	}
	p.log.Info("program sent", zap.String("name", name), zap.Int("lines", n))
	return nil
}

// Disconnect closes the websocket and fails all outstanding calls.
func (p *Protocol) Disconnect() error {
	p.mx.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mx.Unlock()
	if cancel != nil {
		cancel()
	}

	p.rpc.failAll(machine.ErrNotConnected)
	err := p.ch.Close()
	p.wg.Wait()
	p.status.Apply(func(s *machine.Status) {
		s.State = machine.StateDisconnected
	})
	p.status.Close()
	return err
}
