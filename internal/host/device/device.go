// Package device hosts the recorder on a live sound card capture stream with
// an optional MIDI input port.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/audiolibrelab/jamrec/internal/audio"
	"github.com/audiolibrelab/jamrec/internal/host"
)

// Options configure the capture device
type Options struct {
	// DeviceName selects a capture device by case-insensitive substring;
	// empty uses the system default.
	DeviceName  string
	SampleRate  int
	Channels    int
	BlockFrames int

	// MidiPort selects a MIDI input by case-insensitive substring; empty
	// records audio only.
	MidiPort      string
	MidiQueueSize int

	Logger *slog.Logger
}

// Backend captures 32-bit float audio with miniaudio and forwards each
// callback to the processor on the device thread.
type Backend struct {
	opts   Options
	logger *slog.Logger
}

var _ audio.Backend = (*Backend)(nil)

func New(opts Options) *Backend {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.BlockFrames <= 0 {
		opts.BlockFrames = host.DefaultBlockFrames
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Backend{opts: opts, logger: opts.Logger.With("component", "device")}
}

func (b *Backend) Type() audio.BackendType {
	return audio.BackendTypeDevice
}

// Run captures until ctx is cancelled or the device stops. The caller
// releases the processor.
func (b *Backend) Run(ctx context.Context, p audio.Processor) error {
	var queue *host.MidiQueue
	if b.opts.MidiPort != "" {
		queue = host.NewMidiQueue(b.opts.MidiQueueSize)
		in, err := openMidiInput(b.opts.MidiPort, queue, b.logger)
		if err != nil {
			return err
		}
		defer in.Close()
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		b.logger.Debug("miniaudio", "message", strings.TrimSpace(msg))
	})
	if err != nil {
		return fmt.Errorf("failed to initialize audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(b.opts.Channels)
	cfg.SampleRate = uint32(b.opts.SampleRate)
	cfg.PeriodSizeInFrames = uint32(b.opts.BlockFrames)
	cfg.Alsa.NoMMap = 1

	if b.opts.DeviceName != "" {
		info, err := findCaptureDevice(mctx, b.opts.DeviceName)
		if err != nil {
			return err
		}
		cfg.Capture.DeviceID = info.ID.Pointer()
	}

	// miniaudio may deliver larger periods than requested
	maxFrames := b.opts.BlockFrames * 4
	adapter := host.NewAdapter(p, b.opts.Channels, float64(b.opts.SampleRate), maxFrames, queue)

	stopped := make(chan struct{}, 1)
	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frames uint32) {
			adapter.OnData(input, int(frames))
		},
		Stop: func() {
			select {
			case stopped <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open capture device: %w", err)
	}
	defer dev.Uninit()

	if rate := int(dev.SampleRate()); rate != b.opts.SampleRate {
		return fmt.Errorf("capture device runs at %d Hz, configured %d Hz", rate, b.opts.SampleRate)
	}

	p.Prepare(float64(b.opts.SampleRate), maxFrames)

	if err := dev.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	b.logger.Info("capture started", "sample_rate", b.opts.SampleRate, "channels", b.opts.Channels,
		"block_frames", b.opts.BlockFrames, "midi_port", b.opts.MidiPort)

	select {
	case <-ctx.Done():
	case <-stopped:
		b.logger.Warn("capture device stopped unexpectedly")
		return errors.New("capture device stopped")
	}

	if err := dev.Stop(); err != nil {
		b.logger.Warn("failed to stop capture device", "error", err)
	}
	if queue != nil && (queue.Dropped() > 0 || queue.Skipped() > 0) {
		b.logger.Warn("midi input messages not recorded", "dropped", queue.Dropped(), "skipped", queue.Skipped())
	}
	b.logger.Info("capture stopped")
	return nil
}

func findCaptureDevice(mctx *malgo.AllocatedContext, name string) (*malgo.DeviceInfo, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	want := strings.ToLower(name)
	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), want) {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("capture device not found: %s", name)
}
