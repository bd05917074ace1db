package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [song-name]",
	Short: "Play the recorded audio file",
	Long: `Play the audio file of a recorded session with the first available player
(vlc, mpv, ffplay, or aplay for WAV files).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(nil)
		defer svc.Close()

		if err := svc.Play(args[0]); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
