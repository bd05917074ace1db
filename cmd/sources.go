package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/jamrec/internal/host/device"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available capture devices and MIDI inputs",
	Long:  `List the audio capture devices and MIDI input ports that can be used for recording.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Audio Sources (%s)\n", runtime.GOOS)
		fmt.Printf("=======================================\n\n")

		devices, err := device.ListAudioSources()
		if err != nil {
			return fmt.Errorf("failed to get capture devices: %w", err)
		}
		fmt.Printf("CAPTURE DEVICES (%d found):\n", len(devices))
		for i, d := range devices {
			marker := ""
			if d.Default {
				marker = " (default)"
			}
			fmt.Printf("  %d. %s%s\n", i+1, d.Name, marker)
		}

		ports := device.ListMidiSources()
		fmt.Printf("\nMIDI INPUTS (%d found):\n", len(ports))
		for _, p := range ports {
			fmt.Printf("  %d. %s\n", p.Index+1, p.Name)
		}

		fmt.Printf("\nUsage:\n")
		fmt.Printf("  audio.device: any part of a capture device name\n")
		fmt.Printf("  midi.input_port: any part of a MIDI input name\n\n")
		return nil
	},
}
