package machine

import (
	"fmt"

	"github.com/mastercactapus/laserweb/gcode"
)

// ProbeRequest configures a straight z-probe onto a touch plate.
type ProbeRequest struct {
	Axis     Axis    `json:"axis"`
	Feedrate float64 `json:"feedrate"`

	// Dist is the max probe travel, usually negative.
	Dist float64 `json:"dist"`

	PlateThickness float64 `json:"plateThickness"`
	Retract        float64 `json:"retract"`
}

// Validate checks the probe axis. An empty axis means z.
func (r ProbeRequest) Validate() error {
	if r.Axis != "" && r.Axis != AxisZ {
		return fmt.Errorf("%w: probe supports z only, got %q", ErrInvalidAxis, r.Axis)
	}
	return nil
}

// Blocks returns the probe macro: probe down relative, set the work
// offset to the plate thickness, retract, and restore absolute mode.
func (r ProbeRequest) Blocks() []gcode.Block {
	return []gcode.Block{
		{{W: 'G', Arg: 91}},
		{{W: 'G', Arg: 38.2}, {W: 'Z', Arg: r.Dist}, {W: 'F', Arg: r.Feedrate}},
		{{W: 'G', Arg: 92}, {W: 'Z', Arg: r.PlateThickness}},
		{{W: 'G', Arg: 0}, {W: 'Z', Arg: r.Retract}},
		{{W: 'G', Arg: 90}},
	}
}
