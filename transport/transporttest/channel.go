// Package transporttest provides an in-memory transport.Channel for
// protocol tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/mastercactapus/laserweb/machine"
	"github.com/mastercactapus/laserweb/transport"
)

// Channel records writes and delivers frames pushed by the test.
type Channel struct {
	// OpenErr, if set, makes Open fail with a ConnectError wrapping it.
	OpenErr error

	// OnWrite, if set, is called for every write before it is recorded.
	// A non-nil return fails the write and nothing is recorded.
	OnWrite func(p []byte) error

	mx      sync.Mutex
	target  string
	opened  bool
	closed  bool
	err     error
	writes  []string
	written chan string

	pushMx sync.Mutex
	frames chan []byte
	done   chan struct{}
}

var _ transport.Channel = &Channel{}

func New() *Channel {
	return &Channel{
		written: make(chan string, 1024),
		frames:  make(chan []byte, 256),
		done:    make(chan struct{}),
	}
}

func (c *Channel) Open(ctx context.Context, target string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.target = target
	if c.OpenErr != nil {
		return &machine.ConnectError{Target: target, Err: c.OpenErr}
	}
	c.opened = true
	return nil
}

func (c *Channel) Write(p []byte) error {
	c.mx.Lock()
	ok := c.opened && !c.closed
	onWrite := c.OnWrite
	c.mx.Unlock()
	if !ok {
		return machine.ErrNotConnected
	}
	if onWrite != nil {
		if err := onWrite(p); err != nil {
			return err
		}
	}

	c.mx.Lock()
	c.writes = append(c.writes, string(p))
	c.mx.Unlock()
	select {
	case c.written <- string(p):
	default:
	}
	return nil
}

func (c *Channel) Frames() <-chan []byte { return c.frames }
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Err() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.err
}

func (c *Channel) Close() error {
	c.end(nil)
	return nil
}

// Fail ends the connection as if the transport broke with err.
func (c *Channel) Fail(err error) { c.end(err) }

func (c *Channel) end(err error) {
	c.pushMx.Lock()
	defer c.pushMx.Unlock()

	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.mx.Unlock()

	close(c.done)
	close(c.frames)
}

// Push delivers an inbound frame. Frames pushed after close are dropped.
func (c *Channel) Push(frame string) {
	c.pushMx.Lock()
	defer c.pushMx.Unlock()

	c.mx.Lock()
	closed := c.closed
	c.mx.Unlock()
	if closed {
		return
	}
	c.frames <- []byte(frame)
}

// Target returns the target passed to Open.
func (c *Channel) Target() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.target
}

// Writes returns everything written so far.
func (c *Channel) Writes() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]string(nil), c.writes...)
}

// Written streams every recorded write.
func (c *Channel) Written() <-chan string { return c.written }

// Closed reports whether Close or Fail was called.
func (c *Channel) Closed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}
