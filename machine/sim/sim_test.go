package sim

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mastercactapus/laserweb/coord"
	"github.com/mastercactapus/laserweb/machine"
)

func newMachine(t *testing.T) *Machine {
	t.Helper()
	m := New(Config{EventBuffer: 64}, zap.NewNop())
	require.NoError(t, m.Connect(context.Background(), "anything"))
	t.Cleanup(func() { m.Disconnect() })
	return m
}

func TestMachine_Connect(t *testing.T) {
	m := New(Config{}, zap.NewNop())
	assert.ErrorIs(t, m.Home(context.Background()), machine.ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), "mock-device"))
	s := m.Status().Snapshot()
	assert.Equal(t, machine.StateIdle, s.State)
	require.NotNil(t, s.Limits)
	assert.Equal(t, machine.DefaultLimits(), *s.Limits)

	require.NoError(t, m.Disconnect())
	assert.Equal(t, machine.StateDisconnected, m.Status().Snapshot().State)
}

func TestMachine_ConnectCancel(t *testing.T) {
	m := New(Config{ConnectDelay: DefaultConfig().ConnectDelay}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Connect(ctx, "mock-device")
	var cErr *machine.ConnectError
	require.ErrorAs(t, err, &cErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMachine_Motion(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()

	require.NoError(t, m.Jog(ctx, machine.AxisX, 10, 1000))
	require.NoError(t, m.Jog(ctx, machine.AxisX, 2.5, 1000))
	require.NoError(t, m.Jog(ctx, machine.AxisZ, -1, 100))
	s := m.Status().Snapshot()
	assert.Equal(t, coord.Point{X: 12.5, Z: -1}, s.Pos)
	assert.Equal(t, machine.StateIdle, s.State)
	assert.Zero(t, s.Feedrate)

	require.NoError(t, m.Home(ctx))
	assert.Equal(t, coord.Point{}, m.Status().Snapshot().Pos)

	assert.ErrorIs(t, m.Jog(ctx, "w", 1, 1), machine.ErrInvalidAxis)
}

func TestMachine_Probe(t *testing.T) {
	m := newMachine(t)

	err := m.Probe(context.Background(), machine.ProbeRequest{Axis: machine.AxisZ, Feedrate: 100, Dist: -10, PlateThickness: 1.5, Retract: 5})
	require.NoError(t, err)
	s := m.Status().Snapshot()
	assert.Equal(t, 6.5, s.Pos.Z)
	assert.Equal(t, "[PRB] retracted to Z6.5", s.Logs[len(s.Logs)-1])

	err = m.Probe(context.Background(), machine.ProbeRequest{Axis: machine.AxisX})
	assert.ErrorIs(t, err, machine.ErrInvalidAxis)
}

func TestMachine_CommandAndUpload(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()

	require.NoError(t, m.Command(ctx, "G0 X1"))
	require.NoError(t, m.UploadFile(ctx, "part.nc", strings.NewReader("G21\n\nG0 X1\nM5\n")))

	s := m.Status().Snapshot()
	assert.Equal(t, []string{"Grbl 1.1h ['$' for help] (simulated)", ">> G0 X1", "ok", "part.nc: 3 lines done"}, s.Logs)
	assert.Equal(t, machine.StateIdle, s.State)
}
