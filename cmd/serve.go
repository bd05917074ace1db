package cmd

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/jamrec/internal/metrics"
	"github.com/audiolibrelab/jamrec/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the capture device and the JamRec web server. Recording is started and
stopped over HTTP, so a session can be controlled from a phone or any device
on the same network. Prometheus metrics are served on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = strconv.Itoa(cfg.Server.Port)
		}
		noDevice, _ := cmd.Flags().GetBool("no-device")

		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.NewRecorderMetrics(registry)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}

		svc := newService(m)
		defer svc.Close()
		proc := svc.Processor()
		defer proc.Release()

		ctx, stop := signalContext()
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		if !noDevice {
			g.Go(func() error {
				// the server stays up without a device so files can still be listed
				if err := newDeviceBackend().Run(gctx, proc); err != nil {
					slog.Error("Capture device failed", "error", err)
				}
				return nil
			})
		}
		g.Go(func() error {
			return server.New(svc, afero.NewOsFs(), registry, port).Start(gctx)
		})

		slog.Info("JamRec web server starting", "port", port, "config", cfgFile)
		if err := g.Wait(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port for the web server (default from server.port)")
	serveCmd.Flags().Bool("no-device", false, "serve without opening the capture device")
}
