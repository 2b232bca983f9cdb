package klipper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mastercactapus/laserweb/coord"
	"github.com/mastercactapus/laserweb/machine"
	"github.com/mastercactapus/laserweb/transport/transporttest"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      int64           `json:"id"`
}

// script returns the G-code of a printer.gcode.script request.
func (r rpcRequest) script() string {
	var p struct{ Script string }
	json.Unmarshal(r.Params, &p)
	return p.Script
}

// fakeMoonraker answers requests written to a test channel.
type fakeMoonraker struct {
	ch *transporttest.Channel

	// handle returns the result of a request. A nil result with
	// ok == false leaves the request unanswered.
	handle func(req rpcRequest) (result interface{}, rpcErr *RPCError, ok bool)

	mx   sync.Mutex
	reqs []rpcRequest
}

func (f *fakeMoonraker) run() {
	for data := range f.ch.Written() {
		var req rpcRequest
		if err := json.Unmarshal([]byte(data), &req); err != nil {
			panic(err)
		}
		f.mx.Lock()
		f.reqs = append(f.reqs, req)
		f.mx.Unlock()

		res, rpcErr, ok := f.handle(req)
		if !ok {
			continue
		}
		msg := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			msg["error"] = rpcErr
		} else {
			msg["result"] = res
		}
		out, _ := json.Marshal(msg)
		f.ch.Push(string(out))
	}
}

func (f *fakeMoonraker) requests() []rpcRequest {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]rpcRequest(nil), f.reqs...)
}

// scripts returns the G-code of every script request, in order.
func (f *fakeMoonraker) scripts() []string {
	var out []string
	for _, r := range f.requests() {
		if r.Method == "printer.gcode.script" {
			out = append(out, r.script())
		}
	}
	return out
}

var testConfig = map[string]interface{}{
	"status": map[string]interface{}{
		"configfile": map[string]interface{}{
			"config": map[string]interface{}{
				"printer":            map[string]interface{}{"kinematics": "cartesian"},
				"stepper_x":          map[string]interface{}{"position_min": "-5", "position_max": "235"},
				"stepper_y":          map[string]interface{}{"position_max": "220.5"},
				"gcode_macro START":  map[string]interface{}{"gcode": "G28"},
				"gcode_macro CANCEL": map[string]interface{}{"gcode": "M84"},
			},
		},
	},
}

func okHandler(req rpcRequest) (interface{}, *RPCError, bool) {
	switch req.Method {
	case "printer.objects.query":
		return testConfig, nil, true
	case "printer.objects.subscribe":
		return map[string]interface{}{"status": map[string]interface{}{}}, nil, true
	}
	return "ok", nil, true
}

func connect(t *testing.T, cfg Config, handle func(rpcRequest) (interface{}, *RPCError, bool)) (*Protocol, *fakeMoonraker) {
	t.Helper()
	ch := transporttest.New()
	f := &fakeMoonraker{ch: ch, handle: handle}
	go f.run()

	p := New(ch, cfg, zap.NewNop())
	require.NoError(t, p.Connect(context.Background(), "printer.local:7125"))
	t.Cleanup(func() { p.Disconnect() })
	assert.Equal(t, "ws://printer.local:7125/websocket", ch.Target())
	return p, f
}

func waitStatus(t *testing.T, p *Protocol, cond func(machine.Status) bool) machine.Status {
	t.Helper()
	var s machine.Status
	require.Eventually(t, func() bool {
		s = p.Status().Snapshot()
		return cond(s)
	}, time.Second, 5*time.Millisecond)
	return s
}

func waitSetup(t *testing.T, p *Protocol) {
	t.Helper()
	waitStatus(t, p, func(s machine.Status) bool { return s.Limits != nil })
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://10.0.0.5/websocket", WebSocketURL("10.0.0.5"))
	assert.Equal(t, "ws://10.0.0.5:7125/websocket", WebSocketURL("10.0.0.5:7125"))
	assert.Equal(t, "wss://example.com/websocket?token=x", WebSocketURL("wss://example.com/websocket?token=x"))
}

func TestProtocol_Connect(t *testing.T) {
	p, f := connect(t, DefaultConfig(), okHandler)
	waitSetup(t, p)

	reqs := f.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "printer.objects.subscribe", reqs[0].Method)
	assert.JSONEq(t, `{"objects":{"toolhead":["position","status","max_velocity"],"print_stats":["state"]}}`, string(reqs[0].Params))
	assert.Equal(t, "printer.objects.query", reqs[1].Method)
	assert.JSONEq(t, `{"objects":{"configfile":null}}`, string(reqs[1].Params))
	assert.Less(t, reqs[0].ID, reqs[1].ID)
	assert.Equal(t, "2.0", reqs[0].JSONRPC)

	s := p.Status().Snapshot()
	assert.Equal(t, machine.StateIdle, s.State)
	assert.Equal(t, machine.Limits{
		X: machine.AxisLimits{Min: -5, Max: 235},
		Y: machine.AxisLimits{Min: 0, Max: 220.5},
		Z: machine.AxisLimits{Min: 0, Max: 200},
	}, *s.Limits)
	assert.Equal(t, []string{"CANCEL", "START"}, s.Macros)
}

func TestProtocol_ConnectError(t *testing.T) {
	ch := transporttest.New()
	ch.OpenErr = errors.New("connection refused")
	p := New(ch, DefaultConfig(), zap.NewNop())

	err := p.Connect(context.Background(), "printer.local")
	var cErr *machine.ConnectError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, machine.StateDisconnected, p.Status().Snapshot().State)

	assert.ErrorIs(t, p.Home(context.Background()), machine.ErrNotConnected)
	assert.Empty(t, ch.Writes())
}

func TestProtocol_Jog(t *testing.T) {
	p, f := connect(t, DefaultConfig(), okHandler)
	waitSetup(t, p)

	require.NoError(t, p.Jog(context.Background(), machine.AxisY, -2.5, 600))
	assert.Equal(t, []string{"G91", "G1 Y-2.5 F600", "G90"}, f.scripts())
}

func TestProtocol_JogAbort(t *testing.T) {
	p, f := connect(t, DefaultConfig(), func(req rpcRequest) (interface{}, *RPCError, bool) {
		if req.script() == "G91" {
			return nil, &RPCError{Code: 400, Message: "Printer is not ready"}, true
		}
		return okHandler(req)
	})
	waitSetup(t, p)

	err := p.Jog(context.Background(), machine.AxisX, 10, 1000)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 400, rpcErr.Code)
	assert.Equal(t, []string{"G91"}, f.scripts())
}

func TestProtocol_Commands(t *testing.T) {
	p, f := connect(t, DefaultConfig(), okHandler)
	waitSetup(t, p)
	ctx := context.Background()

	require.NoError(t, p.Home(ctx))
	require.NoError(t, p.Command(ctx, "SET_PIN PIN=laser VALUE=0\n"))
	require.NoError(t, p.UploadFile(ctx, "job.gcode", strings.NewReader("G21\n\nG0 X1\n  M5  \n")))
	assert.Equal(t, []string{"G28", "SET_PIN PIN=laser VALUE=0", "G21", "G0 X1", "M5"}, f.scripts())
}

func TestProtocol_ProbeUnsupported(t *testing.T) {
	p, f := connect(t, DefaultConfig(), okHandler)
	waitSetup(t, p)
	before := len(f.requests())

	err := p.Probe(context.Background(), machine.ProbeRequest{Axis: machine.AxisZ, Feedrate: 100, Dist: -10})
	assert.ErrorIs(t, err, machine.ErrProbeUnsupported)
	assert.Len(t, f.requests(), before)
}

func TestProtocol_Timeout(t *testing.T) {
	p, _ := connect(t, Config{RequestTimeout: 30 * time.Millisecond}, func(req rpcRequest) (interface{}, *RPCError, bool) {
		if req.Method == "printer.gcode.script" {
			return nil, nil, false
		}
		return okHandler(req)
	})
	waitSetup(t, p)

	err := p.Home(context.Background())
	assert.ErrorIs(t, err, machine.ErrTimeout)
	assert.Zero(t, p.rpc.inflight())
}

func TestProtocol_Notifications(t *testing.T) {
	ch := transporttest.New()
	p := New(ch, DefaultConfig(), zap.NewNop())
	require.NoError(t, p.Connect(context.Background(), "ws://printer.local/websocket"))
	t.Cleanup(func() { p.Disconnect() })

	ch.Push(`{"jsonrpc":"2.0","method":"notify_status_update","params":[{"toolhead":{"position":[10,20,5,0]}},1234.5]}`)
	s := waitStatus(t, p, func(s machine.Status) bool { return s.Pos.X == 10 })
	assert.Equal(t, coord.Point{X: 10, Y: 20, Z: 5}, s.Pos)

	ch.Push(`{"jsonrpc":"2.0","method":"notify_status_update","params":[{"toolhead":{"position":[11]},"print_stats":{"state":"printing"}},1235.0]}`)
	s = waitStatus(t, p, func(s machine.Status) bool { return s.State == machine.StateRun })
	assert.Equal(t, coord.Point{X: 11, Y: 20, Z: 5}, s.Pos)

	ch.Push(`{"jsonrpc":"2.0","method":"notify_gcode_response","params":["// probe at 10,20 is z=1.5"]}`)
	s = waitStatus(t, p, func(s machine.Status) bool { return len(s.Logs) == 1 })
	assert.Equal(t, "// probe at 10,20 is z=1.5", s.Logs[0])

	ch.Push(`{"jsonrpc":"2.0","method":"notify_klippy_shutdown"}`)
	waitStatus(t, p, func(s machine.Status) bool { return s.State == machine.StateAlarm })

	ch.Push(`{"jsonrpc":"2.0","method":"notify_klippy_ready"}`)
	waitStatus(t, p, func(s machine.Status) bool { return s.State == machine.StateIdle })

	ch.Push(`not json`)
	ch.Push(`{"jsonrpc":"2.0","id":999,"result":"ok"}`)
	ch.Push(`{"jsonrpc":"2.0","method":"notify_proc_stat_update","params":[{}]}`)
	ch.Push(`{"jsonrpc":"2.0","method":"notify_gcode_response","params":["after"]}`)
	s = waitStatus(t, p, func(s machine.Status) bool { return len(s.Logs) > 0 && s.Logs[len(s.Logs)-1] == "after" })
	assert.Equal(t, machine.StateIdle, s.State)
	assert.Equal(t, []string{"// probe at 10,20 is z=1.5", "klippy_shutdown", "not json", "after"}, s.Logs)
}

func TestProtocol_LogCap(t *testing.T) {
	ch := transporttest.New()
	p := New(ch, DefaultConfig(), zap.NewNop())
	require.NoError(t, p.Connect(context.Background(), "printer.local"))
	t.Cleanup(func() { p.Disconnect() })

	for i := 0; i < 60; i++ {
		ch.Push(fmt.Sprintf(`{"jsonrpc":"2.0","method":"notify_gcode_response","params":["line %d"]}`, i))
	}
	s := waitStatus(t, p, func(s machine.Status) bool {
		return len(s.Logs) > 0 && s.Logs[len(s.Logs)-1] == "line 59"
	})
	assert.Len(t, s.Logs, machine.MaxLogs)
	assert.Equal(t, "line 10", s.Logs[0])
}

func TestProtocol_ConnectionLost(t *testing.T) {
	p, _ := connect(t, DefaultConfig(), func(req rpcRequest) (interface{}, *RPCError, bool) {
		if req.Method == "printer.gcode.script" {
			return nil, nil, false
		}
		return okHandler(req)
	})
	waitSetup(t, p)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Home(context.Background()) }()
	require.Eventually(t, func() bool { return p.rpc.inflight() == 1 }, time.Second, 5*time.Millisecond)

	p.ch.(*transporttest.Channel).Fail(errors.New("connection reset"))
	assert.ErrorIs(t, <-errCh, machine.ErrNotConnected)
	waitStatus(t, p, func(s machine.Status) bool { return s.State == machine.StateDisconnected })
	assert.ErrorIs(t, p.Home(context.Background()), machine.ErrNotConnected)
}
