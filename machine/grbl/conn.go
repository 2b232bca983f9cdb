package grbl

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/mastercactapus/laserweb/gcode"
	"github.com/mastercactapus/laserweb/machine"
	"github.com/mastercactapus/laserweb/transport"
)

// DefaultBufferSize is the serial RX buffer of a stock Grbl build.
const DefaultBufferSize = 128

// ErrGrblReset is returned from write methods if a reset is encountered
// before all lines are written.
var ErrGrblReset = errors.New("grbl was reset")

// Conn writes lines to a Grbl controller without overrunning its
// receive buffer.
//
// Every line written counts against the buffer until the controller
// acknowledges it with `ok` or `error:`, which the reader reports
// through Ack.
type Conn struct {
	ch         transport.Channel
	bufferSize int

	wMx sync.Mutex

	// resetMx is held while a line is on the wire so a reset never
	// lands between the generation check and the write.
	resetMx sync.Mutex

	mx        sync.Mutex
	gen       uint64
	deviceBuf int
	lineSize  []int
	space     chan struct{}
}

// NewConn creates a Conn for a controller with a bufferSize byte RX buffer.
func NewConn(ch transport.Channel, bufferSize int) *Conn {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Conn{
		ch:         ch,
		bufferSize: bufferSize,
		space:      make(chan struct{}, 1),
	}
}

func (c *Conn) signal() {
	select {
	case c.space <- struct{}{}:
	default:
	}
}

// Ack releases the oldest unacknowledged line.
func (c *Conn) Ack() {
	c.mx.Lock()
	if len(c.lineSize) > 0 {
		c.deviceBuf -= c.lineSize[0]
		c.lineSize = c.lineSize[1:]
	}
	c.mx.Unlock()
	c.signal()
}

// Reset forgets all unacknowledged lines, as after a controller reset.
// Writes in progress stop with ErrGrblReset and nothing more of them
// is sent once Reset returns.
func (c *Conn) Reset() {
	c.resetMx.Lock()
	c.mx.Lock()
	c.gen++
	c.clear()
	c.mx.Unlock()
	c.resetMx.Unlock()
	c.signal()
}

// clear drops the flow control counters. Caller must hold mx.
func (c *Conn) clear() {
	c.deviceBuf = 0
	c.lineSize = nil
}

func (c *Conn) generation() uint64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.gen
}

// Pending returns the number of bytes awaiting acknowledgement.
func (c *Conn) Pending() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.deviceBuf
}

// reserve blocks until n bytes fit in the device buffer and records them.
//
// A line longer than the whole buffer is let through once nothing else
// is in flight.
func (c *Conn) reserve(ctx context.Context, gen uint64, n int) error {
	for {
		c.mx.Lock()
		if c.gen != gen {
			c.mx.Unlock()
			return ErrGrblReset
		}
		if c.deviceBuf+n <= c.bufferSize || len(c.lineSize) == 0 {
			c.deviceBuf += n
			c.lineSize = append(c.lineSize, n)
			c.mx.Unlock()
			return nil
		}
		c.mx.Unlock()

		select {
		case <-c.space:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ch.Done():
			return machine.ErrNotConnected
		}
	}
}

func (c *Conn) writeLine(ctx context.Context, gen uint64, line string) error {
	data := []byte(line + "\n")
	err := c.reserve(ctx, gen, len(data))
	if err != nil {
		return err
	}

	c.resetMx.Lock()
	defer c.resetMx.Unlock()
	if c.generation() != gen {
		return ErrGrblReset
	}
	err = c.ch.Write(data)
	if err != nil {
		c.mx.Lock()
		c.clear()
		c.mx.Unlock()
		c.signal()
		return err
	}
	return nil
}

// WriteLines writes lines in order. It returns once the last line has
// been written, not once it has executed.
func (c *Conn) WriteLines(ctx context.Context, lines ...string) error {
	c.wMx.Lock()
	defer c.wMx.Unlock()

	gen := c.generation()
	for _, line := range lines {
		err := c.writeLine(ctx, gen, line)
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteFrom streams a program line by line, skipping blank lines.
// Other line writes wait until it is done. A reset stops the stream
// with ErrGrblReset.
func (c *Conn) WriteFrom(ctx context.Context, r io.Reader) (lines int, err error) {
	c.wMx.Lock()
	defer c.wMx.Unlock()

	gen := c.generation()
	lr := gcode.NewLineReader(r)
	for {
		line, err := lr.Read()
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
		err = c.writeLine(ctx, gen, line)
		if err != nil {
			return lines, err
		}
		lines++
	}
}

// WriteByte writes a realtime command, which Grbl handles immediately
// and never acknowledges.
func (c *Conn) WriteByte(b byte) error {
	return c.ch.Write([]byte{b})
}
