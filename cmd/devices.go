package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orgelaudio/orgelsampler/internal/audio"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available capture devices",
	Long:  `List the capture sources the configured audio backend can record from.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		capture, err := audio.NewService(cfg.Audio.Backend, cfg.Output.Directory)
		if err != nil {
			return err
		}
		devices, err := capture.ListDevices(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}

		if len(devices) == 0 {
			fmt.Println("No capture devices found.")
			return nil
		}
		fmt.Printf("Capture devices (%d):\n", len(devices))
		for i, d := range devices {
			if d.State != "" {
				fmt.Printf("  %d. %s [%s]\n", i+1, d.Name, d.State)
			} else {
				fmt.Printf("  %d. %s\n", i+1, d.Name)
			}
		}
		fmt.Println("\nUse the name in channels[].device of the config file.")
		return nil
	},
}
