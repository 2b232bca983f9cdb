package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mastercactapus/laserweb/machine"
)

// WebSocket is a message-oriented WebSocket channel.
type WebSocket struct {
	stream
	dialer websocket.Dialer
	header http.Header

	// gorilla/websocket allows one concurrent writer.
	wMx  sync.Mutex
	conn *websocket.Conn
}

var _ Channel = &WebSocket{}

// NewWebSocket creates an unopened channel. header is sent with the
// handshake and may carry credentials.
func NewWebSocket(handshakeTimeout time.Duration, header http.Header) *WebSocket {
	w := &WebSocket{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header: header,
	}
	w.init()
	return w
}

// Open dials the ws:// or wss:// URL target.
func (w *WebSocket) Open(ctx context.Context, target string) error {
	conn, resp, err := w.dialer.DialContext(ctx, target, w.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)
		}
		w.abort(err)
		return &machine.ConnectError{Target: target, Err: err}
	}

	w.wMx.Lock()
	w.conn = conn
	w.wMx.Unlock()
	if !w.start(w.closeConn) {
		conn.Close()
		return &machine.ConnectError{Target: target, Err: machine.ErrNotConnected}
	}

	go w.readLoop(conn)
	return nil
}

func (w *WebSocket) closeConn() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	defer w.closeFrames()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.finish(err)
			return
		}
		if !w.deliver(data) {
			return
		}
	}
}

func (w *WebSocket) Write(p []byte) error {
	if err := w.ready(); err != nil {
		return err
	}
	w.wMx.Lock()
	err := w.conn.WriteMessage(websocket.TextMessage, p)
	w.wMx.Unlock()
	if err != nil {
		w.finish(err)
		return err
	}
	return nil
}
