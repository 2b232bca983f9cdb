package machine

// State is the machine state as reported by the controller.
//
// GRBL status words outside the known set (e.g. `Hold:0`, `Jog`) are kept
// verbatim rather than rejected.
type State string

const (
	StateDisconnected State = "Disconnected"
	StateConnecting   State = "Connecting"
	StateIdle         State = "Idle"
	StateRun          State = "Run"
	StateHold         State = "Hold"
	StateAlarm        State = "Alarm"
	StateDoor         State = "Door"
	StateCheck        State = "Check"
	StateHome         State = "Home"
	StateSleep        State = "Sleep"
)

// Known reports whether s is one of the enumerated states.
func (s State) Known() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateIdle, StateRun, StateHold,
		StateAlarm, StateDoor, StateCheck, StateHome, StateSleep:
		return true
	}
	return false
}

// Axis names a linear axis.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

func (a Axis) Valid() bool {
	return a == AxisX || a == AxisY || a == AxisZ
}

// Letter returns the lowercase axis letter.
func (a Axis) Letter() byte {
	if a == "" {
		return 0
	}
	return a[0]
}
