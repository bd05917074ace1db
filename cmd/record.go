package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [song-name]",
	Short: "Record the sound card input and the MIDI input",
	Long: `Record audio from the configured capture device and MIDI from the configured
input port until Ctrl+C. Without a song name the session is named after the
current time.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var songName string
		if len(args) == 1 {
			songName = args[0]
		}
		slog.Info("Record command started", "song_name", songName)

		svc := newService(nil)
		defer svc.Close()
		proc := svc.Processor()
		defer proc.Release()

		session, err := svc.StartSession(songName)
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		fmt.Printf("Recording %s - Press Ctrl+C to stop\n", session.Name)

		ctx, stop := signalContext()
		defer stop()
		runErr := newDeviceBackend().Run(ctx, proc)

		slog.Info("Stopping recording...")
		session, err = svc.StopSession()
		if err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}
		if runErr != nil {
			return fmt.Errorf("capture failed: %w", runErr)
		}
		printSession(session)

		return executePipeline(svc, session.Name, 'r')
	},
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	recordCmd.Flags().StringP("format", "f", "", "audio format (overrides config)")
}
