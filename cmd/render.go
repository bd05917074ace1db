package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamrec/internal/host"
)

var renderCmd = &cobra.Command{
	Use:   "render <input.wav|input.mid> [input.mid]",
	Short: "Record a session offline from existing files",
	Long: `Run the recorder over a WAV file and/or a Standard MIDI File instead of a live
device. The inputs are fed block by block exactly as a sound card would, and
the session is written in the configured format. Useful for converting takes
and for checking the recorder without hardware.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := host.OfflineOptions{
			BlockFrames: cfg.Audio.BlockSize,
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
		}
		for _, arg := range args {
			switch strings.ToLower(filepath.Ext(arg)) {
			case ".mid", ".midi", ".smf":
				opts.MidiPath = arg
			default:
				opts.AudioPath = arg
			}
		}

		songName, _ := cmd.Flags().GetString("name")
		if songName == "" {
			songName = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])) + "_render"
		}

		backend := host.NewOfflineBackend(afero.NewOsFs(), opts)
		sampleRate, channels, err := backend.Probe()
		if err != nil {
			return err
		}
		// the output keeps the input's layout
		cfg.Audio.Channels = channels

		svc := newService(nil)
		defer svc.Close()
		proc := svc.Processor()
		defer proc.Release()

		proc.Prepare(float64(sampleRate), opts.BlockFrames)
		if _, err := svc.StartSession(songName); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}

		ctx, stop := signalContext()
		defer stop()
		runErr := backend.Run(ctx, proc)

		session, err := svc.StopSession()
		if err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}
		if runErr != nil {
			return fmt.Errorf("render failed: %w", runErr)
		}
		slog.Debug("Render complete", "session", session.Name)
		printSession(session)

		return executePipeline(svc, session.Name, 'r')
	},
}

func init() {
	renderCmd.Flags().String("name", "", "session name (default is the input name with _render)")
	renderCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	renderCmd.Flags().StringP("format", "f", "", "audio format (overrides config)")
}
