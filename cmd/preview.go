package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orgelaudio/orgelsampler/internal/naming"
)

var (
	previewOrgan    string
	previewKeyboard string
	previewMic      string
	previewNote     int
	previewTrem     bool
)

var previewCmd = &cobra.Command{
	Use:   "preview <register-label>",
	Short: "Show the canonical name and paths for a register label",
	Long: `Dry-run the naming rules: print the canonical register name and the
sample path a note would be recorded to, without touching any audio.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		label := args[0]
		trem := previewTrem || naming.HasTremulant(label)

		fmt.Printf("label:     %s\n", label)
		fmt.Printf("canonical: %s\n", naming.Canonical(label))
		fmt.Printf("directory: %s\n", naming.RegisterDir(label, trem))
		fmt.Printf("note:      %s (%03d)\n", naming.DisplayName(previewNote), previewNote)
		fmt.Printf("path:      %s\n", naming.PathFor(previewOrgan, previewKeyboard, label, trem, previewMic, previewNote))
		return nil
	},
}

func init() {
	previewCmd.Flags().StringVar(&previewOrgan, "organ", "Orgel", "organ name for the path")
	previewCmd.Flags().StringVarP(&previewKeyboard, "keyboard", "k", "Hoofdwerk", "keyboard name for the path")
	previewCmd.Flags().StringVar(&previewMic, "mic", "", "microphone position directory (multi-channel layout)")
	previewCmd.Flags().IntVarP(&previewNote, "note", "n", 36, "MIDI note for the example path")
	previewCmd.Flags().BoolVarP(&previewTrem, "tremulant", "t", false, "tremulant variant")
}
