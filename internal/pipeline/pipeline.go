// Package pipeline moves audio from the real-time thread to disk.
//
// The producer side (Push) only copies frames into a fixed-size ring buffer.
// A single worker goroutine drains the ring into a codec.Writer, so no file or
// encoder work ever happens on the caller's thread.
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
	"github.com/spf13/afero"

	"github.com/audiolibrelab/jamrec/internal/codec"
)

var (
	ErrDestinationUnwritable = errors.New("destination unwritable")
	ErrFlushTimeout          = errors.New("flush timed out")
	// ErrOverflow marks frames dropped because the ring was full. It is only
	// reported through logs and Stats, never returned from Push.
	ErrOverflow = errors.New("ring buffer overflow")
)

const (
	DefaultCapacityFrames = 32768
	DefaultFlushTimeout   = 10 * time.Second
	DefaultPollInterval   = 20 * time.Millisecond

	bytesPerSample = 4
	drainFrames    = 4096
)

// Observer receives pipeline counters. FramesPushed and FramesDropped are
// called from the real-time thread and must not block.
type Observer interface {
	FramesPushed(n int)
	FramesDropped(n int)
	FramesWritten(n int)
	FlushDuration(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) FramesPushed(int)             {}
func (nopObserver) FramesDropped(int)            {}
func (nopObserver) FramesWritten(int)            {}
func (nopObserver) FlushDuration(time.Duration) {}

type Options struct {
	Path   string
	Format codec.Format // derived from Path when empty
	Params codec.Params

	CapacityFrames int
	FlushTimeout   time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.CapacityFrames <= 0 {
		o.CapacityFrames = DefaultCapacityFrames
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// frameRing is the part of *ringbuffer.RingBuffer the pipeline uses.
type frameRing interface {
	TryWrite(p []byte) (int, error)
	Read(p []byte) (int, error)
	Length() int
}

var newRing = func(size int) frameRing { return ringbuffer.New(size) }

// Stats is a snapshot of frame counters.
type Stats struct {
	Pushed  int64 `json:"pushed"`
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
}

type Pipeline struct {
	path       string
	format     codec.Format
	channels   int
	frameBytes int
	opts       Options
	logger     *slog.Logger
	obs        Observer

	writer   codec.Writer
	ring     frameRing
	capacity int

	// producer only
	scratch  []byte
	produced int64

	// bytes taken out of the ring by the worker
	consumed atomic.Int64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	pushed  atomic.Int64
	written atomic.Int64
	dropped atomic.Int64

	// set by the worker, read after done is closed
	writeErr error
	finalErr error

	closeOnce sync.Once
	closeErr  error
}

// Open prepares the destination and starts the background worker. Any file
// already at opts.Path is replaced. On error nothing is left open.
func Open(fsys afero.Fs, reg *codec.Registry, opts Options, obs Observer) (*Pipeline, error) {
	opts = opts.withDefaults()
	if obs == nil {
		obs = nopObserver{}
	}

	format := opts.Format
	if format == "" {
		f, err := codec.FormatFromPath(opts.Path)
		if err != nil {
			return nil, err
		}
		format = f
	}
	enc, err := reg.Lookup(format)
	if err != nil {
		return nil, err
	}
	if opts.Params.Channels <= 0 {
		return nil, fmt.Errorf("%w: invalid channel count %d", codec.ErrCodecUnsupported, opts.Params.Channels)
	}

	if err := fsys.Remove(opts.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: failed to remove %s: %v", ErrDestinationUnwritable, opts.Path, err)
	}
	out, err := fsys.Create(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create %s: %v", ErrDestinationUnwritable, opts.Path, err)
	}

	w, err := enc.NewWriter(out, opts.Params)
	if err != nil {
		_ = out.Close()
		_ = fsys.Remove(opts.Path)
		return nil, fmt.Errorf("failed to create %s writer for %s: %w", format, opts.Path, err)
	}

	frameBytes := opts.Params.Channels * bytesPerSample
	p := &Pipeline{
		path:       opts.Path,
		format:     format,
		channels:   opts.Params.Channels,
		frameBytes: frameBytes,
		opts:       opts,
		logger:     opts.Logger.With("component", "pipeline", "path", opts.Path),
		obs:        obs,
		writer:     w,
		ring:       newRing(opts.CapacityFrames * frameBytes),
		capacity:   opts.CapacityFrames * frameBytes,
		scratch:    make([]byte, opts.CapacityFrames*frameBytes),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go p.run()

	p.logger.Info("audio pipeline opened",
		"format", format,
		"sample_rate", opts.Params.SampleRate,
		"channels", opts.Params.Channels,
		"capacity_frames", opts.CapacityFrames)
	return p, nil
}

// Push copies frames from planar channel slices into the ring buffer and
// returns the number of frames accepted. If the whole chunk does not fit it is
// dropped and counted. Channels missing from the input are written as silence.
// Push never waits for the worker: if the ring is locked by a concurrent drain
// the chunk is dropped and counted as overflow.
//
// Push must only be called from one goroutine at a time.
func (p *Pipeline) Push(channels [][]float32, frames int) int {
	if frames <= 0 {
		return 0
	}
	need := frames * p.frameBytes
	free := p.capacity - int(p.produced-p.consumed.Load())
	if need > len(p.scratch) || free < need {
		p.dropped.Add(int64(frames))
		p.obs.FramesDropped(frames)
		p.signal()
		return 0
	}

	buf := p.scratch[:need]
	off := 0
	for i := 0; i < frames; i++ {
		for c := 0; c < p.channels; c++ {
			var s float32
			if c < len(channels) && i < len(channels[c]) {
				s = channels[c][i]
			}
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(s))
			off += bytesPerSample
		}
	}

	// free is a lower bound: this goroutine is the sole producer and the
	// worker only adds room, so TryWrite either takes the whole chunk or
	// fails to get the lock.
	n, err := p.ring.TryWrite(buf)
	p.produced += int64(n)
	if err != nil {
		p.dropped.Add(int64(frames))
		p.obs.FramesDropped(frames)
		p.signal()
		return 0
	}
	p.pushed.Add(int64(frames))
	p.obs.FramesPushed(frames)
	p.signal()
	return frames
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting work, drains every buffered frame into the encoder and
// finalizes the file. It waits at most FlushTimeout. Close is idempotent and
// must not be called from the real-time thread.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		start := time.Now()
		close(p.stop)

		timer := time.NewTimer(p.opts.FlushTimeout)
		defer timer.Stop()

		select {
		case <-p.done:
			p.closeErr = errors.Join(p.writeErr, p.finalErr)
		case <-timer.C:
			p.closeErr = fmt.Errorf("%w after %s: %s", ErrFlushTimeout, p.opts.FlushTimeout, p.path)
			p.logger.Error("audio pipeline did not finish flushing", "timeout", p.opts.FlushTimeout)
		}
		elapsed := time.Since(start)
		p.obs.FlushDuration(elapsed)

		st := p.Stats()
		p.logger.Info("audio pipeline closed",
			"frames_written", st.Written,
			"frames_dropped", st.Dropped,
			"flush", elapsed)
	})
	return p.closeErr
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Pushed:  p.pushed.Load(),
		Written: p.written.Load(),
		Dropped: p.dropped.Load(),
	}
}

func (p *Pipeline) Path() string {
	return p.path
}

func (p *Pipeline) Format() codec.Format {
	return p.format
}

// Done is closed once the worker has finalized the file.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}
