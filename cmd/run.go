package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run [song-name]",
	Short: "Execute pipeline steps on a song",
	Long: `Execute the specified pipeline steps on a song. Use -p to specify which steps to run:
r records from the capture device until Ctrl+C, p plays the recorded audio.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		songName := args[0]

		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rp)")
		}
		steps := strings.ToLower(pipeline)
		if strings.Count(steps, "r") > 1 {
			return fmt.Errorf("pipeline '%s' records more than once", pipeline)
		}

		svc := newService(nil)
		defer svc.Close()
		proc := svc.Processor()
		defer proc.Release()

		ctx, stop := signalContext()
		defer stop()

		// Ctrl+C ends the record step and the capture together
		g, gctx := errgroup.WithContext(ctx)
		if strings.ContainsRune(steps, 'r') {
			g.Go(func() error {
				return newDeviceBackend().Run(gctx, proc)
			})
		}

		pipeErr := svc.RunPipeline(gctx, songName, steps)
		stop()
		if err := g.Wait(); err != nil {
			return fmt.Errorf("capture failed: %w", err)
		}
		return pipeErr
	},
}

func init() {
	runCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	runCmd.Flags().StringP("format", "f", "", "audio format (overrides config)")
}
