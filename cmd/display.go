package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orgelaudio/orgelsampler/internal/tui"
)

var displayURL string

var displayCmd = &cobra.Command{
	Use:   "display",
	Short: "Terminal display for the recording session",
	Long: `Show the live session state in the terminal: current note, phase,
countdown and per-channel status. Meant for a screen at the instrument;
connects to a running 'orgelsampler serve'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := displayURL
		if url == "" && cfg != nil {
			url = fmt.Sprintf("http://localhost:%s", cfg.Server.Port)
		}
		if url == "" {
			url = "http://localhost:5555"
		}
		return tui.Run(url)
	},
}

func init() {
	displayCmd.Flags().StringVar(&displayURL, "url", "", "server URL (default http://localhost:<port>)")
}
