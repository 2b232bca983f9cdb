package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mastercactapus/laserweb/transport"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PORT\tUSB\tPRODUCT")
		for _, p := range ports {
			usb := ""
			if p.IsUSB {
				usb = p.VID + ":" + p.PID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, usb, p.Product)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
