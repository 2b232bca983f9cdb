package grbl

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/mastercactapus/laserweb/machine"
)

// report is a parsed realtime status report.
type report struct {
	state string
	pos   []float64
	frame machine.Frame
	ports string

	feed, spindle       float64
	hasFeed, hasSpindle bool
}

func parseCoords(data string) ([]float64, error) {
	parts := strings.Split(data, ",")
	vals := make([]float64, len(parts))
	var err error
	for i, s := range parts {
		vals[i], err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, err
		}
	}
	return vals, nil
}

// parseReport parses `<State|MPos:x,y,z|...|Pn:token>`.
//
// Fields with an unknown prefix are ignored.
func parseReport(data string) (*report, error) {
	data = strings.TrimSpace(data)
	data = strings.TrimPrefix(data, "<")
	data = strings.TrimSuffix(data, ">")
	parts := strings.Split(data, "|")
	if parts[0] == "" {
		return nil, errors.New("missing state")
	}
	r := &report{state: parts[0]}

	var err error
	var vals []float64
	for _, s := range parts[1:] {
		sParts := strings.SplitN(s, ":", 2)
		if len(sParts) != 2 {
			continue
		}
		switch sParts[0] {
		case "MPos":
			r.pos, err = parseCoords(sParts[1])
			r.frame = machine.FrameMachine
		case "WPos":
			r.pos, err = parseCoords(sParts[1])
			r.frame = machine.FrameWork
		case "Pn":
			r.ports = sParts[1]
		case "FS":
			vals, err = parseCoords(sParts[1])
			if err == nil {
				r.feed, r.hasFeed = vals[0], true
				if len(vals) > 1 {
					r.spindle, r.hasSpindle = vals[1], true
				}
			}
		case "F":
			vals, err = parseCoords(sParts[1])
			if err == nil {
				r.feed, r.hasFeed = vals[0], true
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

var rxSetting = regexp.MustCompile(`^\$([0-9]+)=(-?[0-9.]+)`)

// parseSetting parses a settings echo line `$<id>=<value>`.
func parseSetting(line string) (id int, val float64, ok bool) {
	m := rxSetting.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	val, err = strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, 0, false
	}
	return id, val, true
}

// settingAxes maps the max travel settings to their axis.
var settingAxes = map[int]machine.Axis{
	130: machine.AxisX,
	131: machine.AxisY,
	132: machine.AxisZ,
}
