package transport

import (
	"bufio"
	"context"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/mastercactapus/laserweb/machine"
)

// Serial is a line-oriented serial port channel.
type Serial struct {
	stream
	baud int

	wMx  sync.Mutex
	port serial.Port
}

var _ Channel = &Serial{}

// NewSerial creates an unopened serial channel using 8N1 at baud.
func NewSerial(baud int) *Serial {
	s := &Serial{baud: baud}
	s.init()
	return s
}

// Open opens the serial port at path target.
func (s *Serial) Open(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return &machine.ConnectError{Target: target, Err: err}
	}
	mode := &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(target, mode)
	if err != nil {
		s.abort(err)
		return &machine.ConnectError{Target: target, Err: err}
	}

	s.wMx.Lock()
	s.port = port
	s.wMx.Unlock()
	if !s.start(port.Close) {
		port.Close()
		return &machine.ConnectError{Target: target, Err: machine.ErrNotConnected}
	}

	go s.readLoop(port)
	return nil
}

func (s *Serial) readLoop(port serial.Port) {
	defer s.closeFrames()

	// ScanLines drops the trailing \r of GRBL's \r\n line endings.
	scan := bufio.NewScanner(port)
	for scan.Scan() {
		line := append([]byte(nil), scan.Bytes()...)
		if !s.deliver(line) {
			return
		}
	}
	err := scan.Err()
	if err == nil {
		err = io.EOF
	}
	s.finish(err)
}

func (s *Serial) Write(p []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.wMx.Lock()
	_, err := s.port.Write(p)
	s.wMx.Unlock()
	if err != nil {
		s.finish(err)
		return err
	}
	return nil
}
