// Package transport moves raw frames between the host and a machine.
package transport

import (
	"context"
	"sync"

	"github.com/mastercactapus/laserweb/machine"
)

// A Channel is a single-use connection to a machine.
//
// Frames delivers one element per line for serial channels and one
// element per message for WebSocket channels. It is closed when the
// connection ends for any reason, after which Err reports the cause
// (nil after Close).
type Channel interface {
	Open(ctx context.Context, target string) error
	Write(p []byte) error
	Frames() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

const frameBuffer = 64

// stream holds the lifecycle shared by all channels: the underlying
// resource is released exactly once, on Close or on the first I/O error.
type stream struct {
	frames chan []byte
	done   chan struct{}

	mx      sync.Mutex
	opened  bool
	err     error
	release func() error

	doneOnce   sync.Once
	framesOnce sync.Once
}

func (s *stream) init() {
	s.frames = make(chan []byte, frameBuffer)
	s.done = make(chan struct{})
}

// start records the resource acquired by Open.
func (s *stream) start(release func() error) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.opened {
		return false
	}
	s.opened = true
	s.release = release
	return true
}

// claim marks the stream as used so a later Open fails.
func (s *stream) claim() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.opened {
		return false
	}
	s.opened = true
	return true
}

func (s *stream) finish(err error) (closeErr error) {
	s.doneOnce.Do(func() {
		s.mx.Lock()
		s.err = err
		release := s.release
		s.mx.Unlock()

		close(s.done)
		if release != nil {
			closeErr = release()
		}
	})
	return closeErr
}

func (s *stream) closeFrames() {
	s.framesOnce.Do(func() { close(s.frames) })
}

// abort ends a stream that never got a read loop.
func (s *stream) abort(err error) {
	s.finish(err)
	s.closeFrames()
}

func (s *stream) deliver(frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) ready() error {
	s.mx.Lock()
	opened := s.opened
	s.mx.Unlock()
	if !opened {
		return machine.ErrNotConnected
	}
	select {
	case <-s.done:
		return machine.ErrNotConnected
	default:
		return nil
	}
}

func (s *stream) Frames() <-chan []byte { return s.frames }
func (s *stream) Done() <-chan struct{} { return s.done }

func (s *stream) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

// Close releases the connection. Closing an unopened channel makes it unusable.
func (s *stream) Close() error {
	if s.claim() {
		s.abort(nil)
		return nil
	}
	err := s.finish(nil)
	s.mx.Lock()
	hasReader := s.release != nil
	s.mx.Unlock()
	if !hasReader {
		s.closeFrames()
	}
	return err
}
