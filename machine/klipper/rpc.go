package klipper

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mastercactapus/laserweb/machine"
	"github.com/mastercactapus/laserweb/transport"
)

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

// message is any inbound frame. Responses carry an ID, notifications
// a Method.
type message struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error response from Moonraker.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type response struct {
	result json.RawMessage
	err    error
}

// client matches JSON-RPC responses to the calls waiting on them.
type client struct {
	ch      transport.Channel
	timeout time.Duration

	mx      sync.Mutex
	nextID  int64
	pending map[int64]chan response
	closed  bool
}

func newClient(ch transport.Channel, timeout time.Duration) *client {
	return &client{
		ch:      ch,
		timeout: timeout,
		pending: make(map[int64]chan response),
		closed:  true,
	}
}

// open allows calls. Until then every call fails with ErrNotConnected.
func (c *client) open() {
	c.mx.Lock()
	c.closed = false
	c.mx.Unlock()
}

func (c *client) register() (int64, chan response, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return 0, nil, machine.ErrNotConnected
	}
	c.nextID++
	ch := make(chan response, 1)
	c.pending[c.nextID] = ch
	return c.nextID, ch, nil
}

func (c *client) evict(id int64) {
	c.mx.Lock()
	delete(c.pending, id)
	c.mx.Unlock()
}

// call sends a request and waits for its response, the timeout, or ctx.
// result may be nil if the caller does not need the response body.
func (c *client) call(ctx context.Context, method string, params, result interface{}) error {
	id, respCh, err := c.register()
	if err != nil {
		return err
	}

	data, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		c.evict(id)
		return err
	}
	err = c.ch.Write(data)
	if err != nil {
		c.evict(id)
		return err
	}

	var timeout <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case resp := <-respCh:
		if resp.err != nil {
			return resp.err
		}
		if result == nil || len(resp.result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.result, result)
	case <-timeout:
		c.evict(id)
		return fmt.Errorf("%s: %w", method, machine.ErrTimeout)
	case <-ctx.Done():
		c.evict(id)
		return ctx.Err()
	}
}

// resolve completes the call waiting on msg.ID. It reports false if no
// call is waiting, e.g. because it already timed out.
func (c *client) resolve(msg *message) bool {
	c.mx.Lock()
	ch, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.mx.Unlock()
	if !ok {
		return false
	}

	resp := response{result: msg.Result}
	if msg.Error != nil {
		resp.err = msg.Error
	}
	ch <- resp
	return true
}

// failAll fails every waiting call with err and rejects new ones.
func (c *client) failAll(err error) {
	c.mx.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.closed = true
	c.mx.Unlock()

	for _, ch := range pending {
		ch <- response{err: err}
	}
}

// inflight returns the number of calls waiting for a response.
func (c *client) inflight() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.pending)
}
