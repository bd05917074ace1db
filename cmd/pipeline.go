package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/jamrec/internal/host/device"
	"github.com/audiolibrelab/jamrec/internal/metrics"
	"github.com/audiolibrelab/jamrec/internal/service"
)

// newService builds the recording service on the OS filesystem
func newService(m *metrics.RecorderMetrics) *service.JamRecService {
	return service.New(cfg, afero.NewOsFs(), m)
}

// newDeviceBackend builds the live capture host from the configuration
func newDeviceBackend() *device.Backend {
	return device.New(device.Options{
		DeviceName:  cfg.Audio.Device,
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		BlockFrames: cfg.Audio.BlockSize,
		MidiPort:    cfg.Midi.InputPort,
	})
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// executePipeline runs the pipeline steps that follow startStep
func executePipeline(svc *service.JamRecService, songName string, startStep rune) error {
	if pipeline == "" {
		return nil
	}

	steps := strings.ToLower(pipeline)
	startIndex := strings.IndexRune(steps, startStep)
	if startIndex == -1 {
		return fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}

	remaining := steps[startIndex+1:]
	if strings.ContainsRune(remaining, 'r') {
		return fmt.Errorf("pipeline '%s' records more than once", pipeline)
	}
	if remaining == "" {
		return nil
	}
	fmt.Printf("Pipeline: executing steps '%s'...\n", remaining)
	return svc.RunPipeline(context.Background(), songName, remaining)
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'r': true, // record
		'p': true, // play
	}

	for _, step := range strings.ToLower(pipeline) {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: r=record, p=play)", step)
		}
	}
	return nil
}

func printSession(s *service.SessionInfo) {
	if s == nil {
		return
	}
	fmt.Printf("Session: %s\n", s.Name)
	fmt.Printf("  audio: %s\n", s.AudioFile)
	fmt.Printf("  midi:  %s\n", s.MidiFile)
	if !s.EndTime.IsZero() {
		fmt.Printf("  duration: %s\n", s.EndTime.Sub(s.StartTime).Round(time.Millisecond))
	}
	fmt.Printf("  frames written: %d", s.Frames)
	if s.Dropped > 0 {
		fmt.Printf(" (%d dropped)", s.Dropped)
	}
	fmt.Println()
	if s.Engine != nil {
		fmt.Printf("  midi events: %d", s.Engine.MidiEvents)
		if s.Engine.MidiDropped > 0 {
			fmt.Printf(" (%d dropped)", s.Engine.MidiDropped)
		}
		fmt.Println()
	}
}
