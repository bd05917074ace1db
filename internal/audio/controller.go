// Package audio coordinates the audio and MIDI recorders and the real-time
// block processing that feeds them.
package audio

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/jamrec/internal/codec"
	"github.com/audiolibrelab/jamrec/internal/metrics"
	"github.com/audiolibrelab/jamrec/internal/midi"
	"github.com/audiolibrelab/jamrec/internal/pipeline"
)

// Options configure a Controller.
type Options struct {
	// Params.SampleRate is the rate used until the host calls Prepare.
	Params         codec.Params
	CapacityFrames int
	FlushTimeout   time.Duration

	TicksPerSecond      float64
	TicksPerQuarterNote uint16
	MidiEventCapacity   int

	Logger  *slog.Logger
	Metrics *metrics.RecorderMetrics
}

// audioLease and midiLease are the handles shared with the real-time thread.
// The thread registers on inflight while holding handleMu; the controller
// unpublishes the handle under handleMu and then waits on inflight, after
// which no block can still reference the pipeline or capture.
type audioLease struct {
	pipe     *pipeline.Pipeline
	inflight sync.WaitGroup
}

type midiLease struct {
	capture  *midi.Capture
	inflight sync.WaitGroup
}

// Controller owns the recording state machines for both streams and
// implements Recorder and Processor.
type Controller struct {
	fs       afero.Fs
	registry *codec.Registry
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.RecorderMetrics

	// serializes start, stop, prepare and release
	mu          sync.Mutex
	audioStatus Status
	audioPath   string
	audio       *audioLease
	lastStats   pipeline.Stats
	midiStatus  Status
	midiPath    string
	midi        *midiLease
	capture     *midi.Capture

	handleMu    sync.Mutex
	audioHandle *audioLease
	midiHandle  *midiLease

	sampleRate atomic.Uint64 // float64 bits
	maxBlock   atomic.Int64
	panics     atomic.Int64
}

var (
	_ Recorder  = (*Controller)(nil)
	_ Processor = (*Controller)(nil)
)

func NewController(fsys afero.Fs, reg *codec.Registry, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Params.SampleRate <= 0 {
		opts.Params.SampleRate = 48000
	}
	if opts.TicksPerSecond <= 0 {
		opts.TicksPerSecond = midi.DefaultTicksPerSecond
	}
	if opts.TicksPerQuarterNote == 0 {
		opts.TicksPerQuarterNote = midi.DefaultTicksPerQuarterNote
	}
	logger := opts.Logger.With("component", "controller")

	c := &Controller{
		fs:          fsys,
		registry:    reg,
		opts:        opts,
		logger:      logger,
		metrics:     opts.Metrics,
		audioStatus: StatusIdle,
		midiStatus:  StatusIdle,
		capture:     midi.NewCapture(opts.TicksPerSecond, opts.MidiEventCapacity, opts.Logger),
	}
	c.sampleRate.Store(math.Float64bits(float64(opts.Params.SampleRate)))
	return c
}

// Prepare records the host stream format. Recordings started afterwards use
// the new sample rate.
func (c *Controller) Prepare(sampleRate float64, maxBlockFrames int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sampleRate <= 0 {
		c.logger.Warn("ignoring invalid sample rate", "sample_rate", sampleRate)
		return
	}
	if c.audioStatus == StatusRecording && sampleRate != c.currentSampleRate() {
		c.logger.Warn("sample rate changed while recording audio",
			"from", c.currentSampleRate(), "to", sampleRate, "path", c.audioPath)
	}
	c.sampleRate.Store(math.Float64bits(sampleRate))
	c.maxBlock.Store(int64(maxBlockFrames))
	c.logger.Debug("prepared", "sample_rate", sampleRate, "max_block", maxBlockFrames)
}

// Release stops both recorders. Errors are logged.
func (c *Controller) Release() {
	if err := c.Close(); err != nil {
		c.logger.Error("failed to stop recorders on release", "error", err)
	}
}

// Close stops both recorders and returns any finalize errors.
func (c *Controller) Close() error {
	return errors.Join(c.StopAudio(), c.StopMidi())
}

func (c *Controller) currentSampleRate() float64 {
	return math.Float64frombits(c.sampleRate.Load())
}

// StartRecording begins recording kind into path
func (c *Controller) StartRecording(kind StreamKind, path string) error {
	switch kind {
	case StreamAudio:
		return c.StartAudio(path)
	case StreamMidi:
		return c.StartMidi(path)
	}
	return fmt.Errorf("%w: %q", ErrUnknownStream, kind)
}

// StopRecording ends recording of kind and finalizes its file
func (c *Controller) StopRecording(kind StreamKind) error {
	switch kind {
	case StreamAudio:
		return c.StopAudio()
	case StreamMidi:
		return c.StopMidi()
	}
	return fmt.Errorf("%w: %q", ErrUnknownStream, kind)
}

// StartAudio opens a write pipeline for path and publishes it to the
// real-time thread. Starting while already recording does nothing.
func (c *Controller) StartAudio(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.audioStatus == StatusRecording {
		c.logger.Debug("start audio ignored", "reason", ErrAlreadyRecording, "path", c.audioPath)
		c.metrics.RecordSession(string(StreamAudio), "start", "noop")
		return nil
	}

	params := c.opts.Params
	params.SampleRate = int(math.Round(c.currentSampleRate()))

	p, err := pipeline.Open(c.fs, c.registry, pipeline.Options{
		Path:           path,
		Params:         params,
		CapacityFrames: c.opts.CapacityFrames,
		FlushTimeout:   c.opts.FlushTimeout,
		Logger:         c.opts.Logger,
	}, c.metrics)
	if err != nil {
		c.metrics.RecordSession(string(StreamAudio), "start", "error")
		return fmt.Errorf("failed to start audio recording: %w", err)
	}

	lease := &audioLease{pipe: p}
	c.handleMu.Lock()
	c.audioHandle = lease
	c.handleMu.Unlock()

	c.audio = lease
	c.audioPath = path
	c.audioStatus = StatusRecording
	c.metrics.RecordSession(string(StreamAudio), "start", "success")
	c.metrics.SetRecording(string(StreamAudio), true)
	c.logger.Info("audio recording started", "path", path, "sample_rate", params.SampleRate)
	return nil
}

// StopAudio detaches the pipeline from the real-time thread, waits for any
// block still pushing into it, then drains and finalizes the file.
func (c *Controller) StopAudio() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.audioStatus != StatusRecording {
		c.logger.Debug("stop audio ignored", "reason", ErrNotRecording)
		c.metrics.RecordSession(string(StreamAudio), "stop", "noop")
		return nil
	}

	lease := c.audio
	c.handleMu.Lock()
	c.audioHandle = nil
	c.handleMu.Unlock()
	lease.inflight.Wait()

	err := lease.pipe.Close()
	c.lastStats = lease.pipe.Stats()
	c.audio = nil
	c.audioStatus = StatusIdle
	c.metrics.SetRecording(string(StreamAudio), false)

	if err != nil {
		c.metrics.RecordSession(string(StreamAudio), "stop", "error")
		return fmt.Errorf("failed to finalize audio recording %s: %w", c.audioPath, err)
	}
	c.metrics.RecordSession(string(StreamAudio), "stop", "success")
	c.logger.Info("audio recording stopped", "path", c.audioPath,
		"frames", c.lastStats.Written, "dropped", c.lastStats.Dropped)
	return nil
}

// StartMidi prepares path and starts capturing. The destination is replaced
// with an empty file right away so an unwritable location fails early.
func (c *Controller) StartMidi(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.midiStatus == StatusRecording {
		c.logger.Debug("start midi ignored", "reason", ErrAlreadyRecording, "path", c.midiPath)
		c.metrics.RecordSession(string(StreamMidi), "start", "noop")
		return nil
	}

	if err := c.probeDestination(path); err != nil {
		c.metrics.RecordSession(string(StreamMidi), "start", "error")
		return fmt.Errorf("failed to start midi recording: %w", err)
	}

	c.capture.Start()
	lease := &midiLease{capture: c.capture}
	c.handleMu.Lock()
	c.midiHandle = lease
	c.handleMu.Unlock()

	c.midi = lease
	c.midiPath = path
	c.midiStatus = StatusRecording
	c.metrics.RecordSession(string(StreamMidi), "start", "success")
	c.metrics.SetRecording(string(StreamMidi), true)
	c.logger.Info("midi recording started", "path", path)
	return nil
}

func (c *Controller) probeDestination(path string) error {
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: failed to remove %s: %v", ErrDestinationUnwritable, path, err)
	}
	f, err := c.fs.Create(path)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", ErrDestinationUnwritable, path, err)
	}
	return f.Close()
}

// StopMidi detaches the capture from the real-time thread and writes the
// captured events to the MIDI file.
func (c *Controller) StopMidi() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.midiStatus != StatusRecording {
		c.logger.Debug("stop midi ignored", "reason", ErrNotRecording)
		c.metrics.RecordSession(string(StreamMidi), "stop", "noop")
		return nil
	}

	lease := c.midi
	c.handleMu.Lock()
	c.midiHandle = nil
	c.handleMu.Unlock()
	lease.inflight.Wait()

	summary, err := lease.capture.Stop(c.fs, c.midiPath, c.opts.TicksPerQuarterNote)
	c.midi = nil
	c.midiStatus = StatusIdle
	c.metrics.SetRecording(string(StreamMidi), false)
	c.metrics.MidiSaved(summary.Written, summary.Skipped, summary.Dropped)

	if err != nil {
		c.metrics.RecordSession(string(StreamMidi), "stop", "error")
		return fmt.Errorf("failed to save midi recording %s: %w", c.midiPath, err)
	}
	c.metrics.RecordSession(string(StreamMidi), "stop", "success")
	return nil
}

// Status returns a snapshot of both streams
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Audio:       StreamStatus{Status: c.audioStatus},
		Midi:        StreamStatus{Status: c.midiStatus},
		SampleRate:  c.currentSampleRate(),
		Frames:      c.lastStats,
		MidiEvents:  c.capture.Len(),
		MidiSeconds: c.capture.Cursor(),
		MidiDropped: c.capture.Dropped(),
		Panics:      c.panics.Load(),
	}
	if c.audioStatus == StatusRecording {
		s.Audio.Path = c.audioPath
		s.Frames = c.audio.pipe.Stats()
	}
	if c.midiStatus == StatusRecording {
		s.Midi.Path = c.midiPath
	}
	return s
}
