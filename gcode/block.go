package gcode

import "strings"

// Block is a single line of G-code.
type Block []Word

// String formats the block with words separated by a single space,
// e.g. `G38.2 Z-10 F100`.
func (b Block) String() string {
	parts := make([]string, len(b))
	for i, g := range b {
		parts[i] = g.String()
	}
	return strings.Join(parts, " ")
}

// Axis builds a word for the named axis, accepting 'x'/'X' style names.
func Axis(name byte, arg float64) Word {
	if name >= 'a' && name <= 'z' {
		name -= 'a' - 'A'
	}
	return Word{W: name, Arg: arg}
}
