package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 115200, cfg.Machine.DefaultBaud)
	assert.Equal(t, 500*time.Millisecond, cfg.Grbl.SettleDelay)
	assert.Equal(t, 128, cfg.Grbl.RxBufferSize)
	assert.Equal(t, 10*time.Second, cfg.Klipper.RequestTimeout)
	assert.False(t, cfg.Sim.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "laserweb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: 127.0.0.1:8080
grbl:
  rx_buffer_size: 256
  status_interval: 100ms
sim:
  enabled: true
`), 0o644))
	t.Setenv("LASERWEB_KLIPPER_REQUEST_TIMEOUT", "3s")
	t.Setenv("LASERWEB_SERVER_ADDR", ":9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 256, cfg.Grbl.RxBufferSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Grbl.StatusInterval)
	assert.Equal(t, 3*time.Second, cfg.Klipper.RequestTimeout)
	assert.True(t, cfg.Sim.Enabled)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LASERWEB_LOG_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("LASERWEB_LOG_LEVEL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLogConfig_Logger(t *testing.T) {
	log, err := LogConfig{Level: "debug", Development: true}.Logger()
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = LogConfig{Level: "loud"}.Logger()
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
