package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mastercactapus/laserweb/machine"
	"github.com/mastercactapus/laserweb/machine/grbl"
	"github.com/mastercactapus/laserweb/machine/klipper"
	"github.com/mastercactapus/laserweb/transport"
)

const (
	statusChannel = "/events/status"

	// simTarget is the target used for the simulated machine.
	simTarget = "mock-device"

	maxProgramSize = 64 << 20
)

type apiOptions struct {
	// StaticDir, if set, is served at / for the browser UI.
	StaticDir string

	// DataDir, if set, keeps a copy of every uploaded program.
	DataDir string

	Sim bool
}

type api struct {
	http.Handler
	c    *machine.Controller
	log  *zap.Logger
	opts apiOptions
	sse  *sse.Server

	listPorts func() ([]transport.PortInfo, error)

	closeOnce sync.Once
	done      chan struct{}
}

func newAPI(c *machine.Controller, log *zap.Logger, opts apiOptions) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		c:       c,
		log:     log,
		opts:    opts,
		sse: sse.NewServer(&sse.Options{
			Logger: zap.NewStdLog(log.Named("sse")),
		}),
		listPorts: transport.ListPorts,
		done:      make(chan struct{}),
	}

	r.HandleFunc("/ping", a.ping).Methods("GET")
	r.HandleFunc("/status", a.status).Methods("GET")
	r.HandleFunc("/ports", a.ports).Methods("GET")
	r.HandleFunc("/connect", a.connect).Methods("POST")
	r.HandleFunc("/disconnect", a.disconnect).Methods("POST")
	r.HandleFunc("/jog", a.jog).Methods("POST")
	r.HandleFunc("/home", a.home).Methods("POST")
	r.HandleFunc("/command", a.command).Methods("POST")
	r.HandleFunc("/probe", a.probe).Methods("POST")
	r.HandleFunc("/upload", a.upload).Methods("POST")
	r.Handle(statusChannel, a.sse).Methods("GET")
	if opts.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(opts.StaticDir))).Methods("GET")
	}

	go a.publish()

	return a
}

// publish forwards machine status to SSE subscribers.
func (a *api) publish() {
	for {
		select {
		case <-a.done:
			return
		case s := <-a.c.Events():
			data, err := json.Marshal(s)
			if err != nil {
				a.log.Error("marshal status", zap.Error(err))
				continue
			}
			a.sse.SendMessage(statusChannel, sse.SimpleMessage(string(data)))
		}
	}
}

// Close stops publishing and drops all SSE subscribers.
func (a *api) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.sse.Shutdown()
	})
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// errBadRequest marks request decoding errors.
var errBadRequest = errors.New("bad request")

func errorStatus(err error) (int, string) {
	var cErr *machine.ConnectError
	var rpcErr *klipper.RPCError
	switch {
	case errors.As(err, &cErr):
		return http.StatusBadGateway, "connect_failed"
	case errors.Is(err, machine.ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, grbl.ErrGrblReset):
		return http.StatusConflict, "reset"
	case errors.Is(err, machine.ErrProbeUnsupported):
		return http.StatusBadRequest, "probe_unsupported"
	case errors.Is(err, machine.ErrInvalidAxis):
		return http.StatusBadRequest, "invalid_axis"
	case errors.Is(err, machine.ErrUnknownKind):
		return http.StatusBadRequest, "unknown_type"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, machine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &rpcErr):
		return http.StatusBadGateway, "machine_error"
	}
	return http.StatusInternalServerError, "internal"
}

func (a *api) writeError(w http.ResponseWriter, req *http.Request, err error) {
	code, name := errorStatus(err)
	if code >= 500 {
		a.log.Error("request failed", zap.String("path", req.URL.Path), zap.Error(err))
	} else {
		a.log.Debug("request rejected", zap.String("path", req.URL.Path), zap.Error(err))
	}

	var body errorBody
	body.Error.Code = name
	body.Error.Message = err.Error()
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decode(req *http.Request, v interface{}) error {
	err := json.NewDecoder(req.Body).Decode(v)
	if err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

type result struct {
	Status string       `json:"status"`
	Type   machine.Kind `json:"type,omitempty"`
}

var resultOK = result{Status: "ok"}

// hostIP returns the first non-loopback IPv4 address of the host, for
// reaching the server from other devices on the network.
func hostIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

func (a *api) ping(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"sim":    a.opts.Sim,
		"ip":     hostIP(),
	})
}

type statusResponse struct {
	machine.Status
	IP   string       `json:"ip"`
	Type machine.Kind `json:"type,omitempty"`
}

func (a *api) status(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status: a.c.Status(),
		IP:     hostIP(),
		Type:   a.c.Kind(),
	})
}

func (a *api) ports(w http.ResponseWriter, req *http.Request) {
	ports, err := a.listPorts()
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

type connectRequest struct {
	Type   machine.Kind `json:"type"`
	Port   string       `json:"port"`
	Baud   int          `json:"baud"`
	Host   string       `json:"host"`
	APIKey string       `json:"apiKey"`
}

func (r connectRequest) options() machine.ConnectOptions {
	opts := machine.ConnectOptions{Kind: r.Type, Baud: r.Baud, APIKey: r.APIKey}
	switch r.Type {
	case machine.KindGrbl:
		opts.Target = r.Port
	case machine.KindKlipper:
		opts.Target = r.Host
	case machine.KindMock:
		opts.Target = simTarget
	}
	return opts
}

func (a *api) connect(w http.ResponseWriter, req *http.Request) {
	var body connectRequest
	if err := decode(req, &body); err != nil {
		a.writeError(w, req, err)
		return
	}

	err := a.c.Connect(req.Context(), body.options())
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result{Status: "connected", Type: body.Type})
}

func (a *api) disconnect(w http.ResponseWriter, req *http.Request) {
	a.c.Disconnect()
	writeJSON(w, http.StatusOK, result{Status: "disconnected"})
}

type jogRequest struct {
	Axis     machine.Axis `json:"axis"`
	Dist     float64      `json:"dist"`
	Feedrate float64      `json:"feedrate"`
}

func (a *api) jog(w http.ResponseWriter, req *http.Request) {
	var body jogRequest
	if err := decode(req, &body); err != nil {
		a.writeError(w, req, err)
		return
	}
	body.Axis = machine.Axis(strings.ToLower(string(body.Axis)))

	err := a.c.Jog(req.Context(), body.Axis, body.Dist, body.Feedrate)
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, resultOK)
}

func (a *api) home(w http.ResponseWriter, req *http.Request) {
	err := a.c.Home(req.Context())
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, resultOK)
}

func (a *api) command(w http.ResponseWriter, req *http.Request) {
	var body struct {
		GCode string `json:"gcode"`
	}
	if err := decode(req, &body); err != nil {
		a.writeError(w, req, err)
		return
	}

	err := a.c.Command(req.Context(), body.GCode)
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result{Status: "sent"})
}

func (a *api) probe(w http.ResponseWriter, req *http.Request) {
	var body machine.ProbeRequest
	if err := decode(req, &body); err != nil {
		a.writeError(w, req, err)
		return
	}

	err := a.c.Probe(req.Context(), body)
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, resultOK)
}

// safePath resolves name inside base, refusing anything that would
// escape it.
func safePath(base, name string) (bool, string) {
	if filepath.Separator != '/' && strings.ContainsRune(name, filepath.Separator) {
		return false, ""
	}
	name = path.Clean("/" + name)
	if name == "/" {
		return false, ""
	}
	dir := base
	if dir == "" {
		dir = "."
	}
	return true, filepath.Join(dir, filepath.FromSlash(name))
}

// saveProgram keeps a copy of an uploaded program in the data dir.
func (a *api) saveProgram(name string, data []byte) error {
	ok, fullName := safePath(a.opts.DataDir, name)
	if !ok {
		return errors.Join(errBadRequest, errors.New("invalid program name"))
	}
	err := os.MkdirAll(filepath.Dir(fullName), 0o755)
	if err != nil {
		return err
	}
	return os.WriteFile(fullName, data, 0o644)
}

func (a *api) upload(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("name")
	if name == "" {
		name = "program.gcode"
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxProgramSize))
	if err != nil {
		a.writeError(w, req, errors.Join(errBadRequest, err))
		return
	}

	if a.opts.DataDir != "" {
		err = a.saveProgram(name, data)
		if err != nil {
			a.writeError(w, req, err)
			return
		}
	}

	err = a.c.UploadFile(req.Context(), name, bytes.NewReader(data))
	if err != nil {
		a.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, resultOK)
}
