// Package config loads server settings from a YAML file, the
// environment and a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Machine MachineConfig `mapstructure:"machine"`
	Grbl    GrblConfig    `mapstructure:"grbl"`
	Klipper KlipperConfig `mapstructure:"klipper"`
	Sim     SimConfig     `mapstructure:"sim"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	StaticDir       string        `mapstructure:"static_dir"`
	DataDir         string        `mapstructure:"data_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MachineConfig struct {
	EventsBuffer int `mapstructure:"events_buffer"`
	DefaultBaud  int `mapstructure:"default_baud"`
}

type GrblConfig struct {
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	RxBufferSize   int           `mapstructure:"rx_buffer_size"`
}

type KlipperConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// SimConfig controls the simulated machine. When Enabled the server
// connects to it on startup.
type SimConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ConnectDelay time.Duration `mapstructure:"connect_delay"`
	MoveDelay    time.Duration `mapstructure:"move_delay"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// EnvPrefix prefixes every environment override, e.g. LASERWEB_SERVER_ADDR.
const EnvPrefix = "LASERWEB"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.data_dir", "")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("machine.events_buffer", 16)
	v.SetDefault("machine.default_baud", 115200)

	v.SetDefault("grbl.settle_delay", "500ms")
	v.SetDefault("grbl.status_interval", "250ms")
	v.SetDefault("grbl.rx_buffer_size", 128)

	v.SetDefault("klipper.request_timeout", "10s")
	v.SetDefault("klipper.handshake_timeout", "5s")

	v.SetDefault("sim.enabled", false)
	v.SetDefault("sim.connect_delay", "500ms")
	v.SetDefault("sim.move_delay", "500ms")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads the config file at path, if any, on top of the defaults.
// Variables from a .env file in the working directory are loaded into
// the environment first; variables already set take precedence.
func Load(path string) (*Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Logger builds the process logger.
func (c LogConfig) Logger() (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}
