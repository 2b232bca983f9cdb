package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "laserweb",
	Short: "Machine control server for GRBL and Klipper laser cutters and CNC routers",
	Long: `laserweb connects to a single GRBL (serial) or Klipper (Moonraker
websocket) machine and exposes jog, home, probe, command and program
streaming over HTTP, with live machine status as server-sent events.

Settings are read from the --config YAML file, a .env file in the working
directory and LASERWEB_* environment variables, e.g. LASERWEB_SERVER_ADDR.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
}
