package gcode

import (
	"bufio"
	"io"
	"strings"
)

// LineReader splits a program into trimmed, non-empty lines.
//
// Lines are otherwise passed through untouched; comments and
// controller-specific commands (`$H`, `$J=...`) are the device's concern.
type LineReader struct{ br *bufio.Reader }

func NewLineReader(r io.Reader) *LineReader {
	if br, ok := r.(*bufio.Reader); ok {
		return &LineReader{br: br}
	}

	return &LineReader{br: bufio.NewReader(r)}
}

// Read returns the next line, or io.EOF when the input is exhausted.
func (r *LineReader) Read() (string, error) {
	for {
		s, err := r.br.ReadString('\n')
		if err == io.EOF && s != "" {
			err = nil
		}
		if err != nil {
			return "", err
		}

		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		return s, nil
	}
}
