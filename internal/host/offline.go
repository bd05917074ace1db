package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/audiolibrelab/jamrec/internal/audio"
	"github.com/audiolibrelab/jamrec/internal/codec"
	"github.com/audiolibrelab/jamrec/internal/midi"
)

const (
	DefaultBlockFrames = 512

	// tempo assumed until a MIDI file sets one
	defaultBPM = 120.0
)

// OfflineOptions describe an offline render. At least one of AudioPath and
// MidiPath must be set. SampleRate and Channels apply only when there is no
// audio input; otherwise the WAV header decides.
type OfflineOptions struct {
	AudioPath   string
	MidiPath    string
	BlockFrames int
	SampleRate  int
	Channels    int
	Logger      *slog.Logger
}

// OfflineBackend drives a Processor from files instead of a device, as fast
// as the processor accepts blocks.
type OfflineBackend struct {
	fs     afero.Fs
	opts   OfflineOptions
	logger *slog.Logger
}

var _ audio.Backend = (*OfflineBackend)(nil)

func NewOfflineBackend(fsys afero.Fs, opts OfflineOptions) *OfflineBackend {
	if opts.BlockFrames <= 0 {
		opts.BlockFrames = DefaultBlockFrames
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &OfflineBackend{fs: fsys, opts: opts, logger: opts.Logger.With("component", "offline")}
}

func (b *OfflineBackend) Type() audio.BackendType {
	return audio.BackendTypeOffline
}

// Probe returns the sample rate and channel count Run will prepare the
// processor with.
func (b *OfflineBackend) Probe() (sampleRate, channels int, err error) {
	if b.opts.AudioPath == "" {
		return b.opts.SampleRate, b.opts.Channels, nil
	}
	f, err := b.fs.Open(b.opts.AudioPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open audio input: %w", err)
	}
	defer f.Close()

	src, err := newWAVSource(f, 1)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read %s: %w", b.opts.AudioPath, err)
	}
	return src.sampleRate, src.channels, nil
}

type scheduledEvent struct {
	frame int64
	data  []byte
}

// Run prepares p and feeds it every block of the inputs. The caller releases
// the processor.
func (b *OfflineBackend) Run(ctx context.Context, p audio.Processor) error {
	if b.opts.AudioPath == "" && b.opts.MidiPath == "" {
		return errors.New("offline render needs an audio or a midi input")
	}

	sampleRate, channels := b.opts.SampleRate, b.opts.Channels
	var src *wavSource
	if b.opts.AudioPath != "" {
		f, err := b.fs.Open(b.opts.AudioPath)
		if err != nil {
			return fmt.Errorf("failed to open audio input: %w", err)
		}
		defer f.Close()

		src, err = newWAVSource(f, b.opts.BlockFrames)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", b.opts.AudioPath, err)
		}
		sampleRate, channels = src.sampleRate, src.channels
	}

	var events []scheduledEvent
	if b.opts.MidiPath != "" {
		raw, err := afero.ReadFile(b.fs, b.opts.MidiPath)
		if err != nil {
			return fmt.Errorf("failed to open midi input: %w", err)
		}
		events, err = scheduleSMF(raw, float64(sampleRate))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", b.opts.MidiPath, err)
		}
	}

	b.logger.Info("offline render started", "audio", b.opts.AudioPath, "midi", b.opts.MidiPath,
		"sample_rate", sampleRate, "channels", channels, "midi_events", len(events))

	block := b.opts.BlockFrames
	planar := make([][]float32, channels)
	for ch := range planar {
		planar[ch] = make([]float32, block)
	}
	blockEvents := make([]midi.RawEvent, 0, 64)

	p.Prepare(float64(sampleRate), block)

	start := time.Now()
	var pos int64
	next := 0
	audioDone := src == nil
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := 0
		if !audioDone {
			got, err := src.read(planar, block)
			if err != nil {
				return fmt.Errorf("failed to decode audio input: %w", err)
			}
			n = got
			if got < block {
				audioDone = true
			}
		}
		if n == 0 {
			if next >= len(events) {
				break
			}
			// silence until the last MIDI event has been delivered
			n = int(min(int64(block), events[len(events)-1].frame-pos+1))
			for ch := range planar {
				clear(planar[ch][:n])
			}
		}

		blockEvents = blockEvents[:0]
		for next < len(events) && events[next].frame < pos+int64(n) {
			blockEvents = append(blockEvents, midi.RawEvent{
				Data:         events[next].data,
				SampleOffset: int(events[next].frame - pos),
			})
			next++
		}

		p.Process(audio.Block{Channels: planar, Frames: n, Midi: blockEvents})
		pos += int64(n)
	}

	b.logger.Info("offline render finished", "frames", pos,
		"seconds", float64(pos)/float64(sampleRate), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// wavSource reads PCM WAV data as planar float32 blocks
type wavSource struct {
	dec        *wav.Decoder
	buf        *goaudio.IntBuffer
	sampleRate int
	channels   int
	bitDepth   int
}

func newWAVSource(r io.ReadSeeker, blockFrames int) (*wavSource, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", codec.ErrCodecUnsupported)
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: wav encoding %d is not integer PCM", codec.ErrCodecUnsupported, dec.WavAudioFormat)
	}
	channels := int(dec.NumChans)
	return &wavSource{
		dec: dec,
		buf: &goaudio.IntBuffer{
			Format: dec.Format(),
			Data:   make([]int, blockFrames*channels),
		},
		sampleRate: int(dec.SampleRate),
		channels:   channels,
		bitDepth:   int(dec.BitDepth),
	}, nil
}

// read fills up to frames frames of planar and returns how many were read.
// Fewer than frames means the data chunk is exhausted.
func (s *wavSource) read(planar [][]float32, frames int) (int, error) {
	scale := float32(int64(1) << (s.bitDepth - 1))
	full := s.buf.Data[:cap(s.buf.Data)]

	got := 0
	for got < frames {
		s.buf.Data = full[:(frames-got)*s.channels]
		n, err := s.dec.PCMBuffer(s.buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return got, err
		}
		read := n / s.channels
		if read == 0 {
			break
		}
		for i := 0; i < read; i++ {
			for ch := 0; ch < s.channels; ch++ {
				v := s.buf.Data[i*s.channels+ch]
				if s.bitDepth == 8 {
					v -= 128
				}
				planar[ch][got+i] = float32(v) / scale
			}
		}
		got += read
	}
	return got, nil
}

// scheduleSMF places the channel messages of a Standard MIDI File on the
// sample timeline, following tempo changes from any track.
func scheduleSMF(raw []byte, sampleRate float64) ([]scheduledEvent, error) {
	s, err := smf.ReadFrom(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	ticks, ok := s.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("unsupported time format %v", s.TimeFormat)
	}

	type absEvent struct {
		tick int64
		msg  smf.Message
	}
	var all []absEvent
	for _, track := range s.Tracks {
		var abs int64
		for _, ev := range track {
			abs += int64(ev.Delta)
			all = append(all, absEvent{tick: abs, msg: ev.Message})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].tick < all[j].tick })

	var (
		out     []scheduledEvent
		elapsed time.Duration
		last    int64
		bpm     = defaultBPM
	)
	for _, ev := range all {
		elapsed += ticks.Duration(bpm, uint32(ev.tick-last))
		last = ev.tick

		var tempo float64
		if ev.msg.GetMetaTempo(&tempo) {
			if tempo > 0 {
				bpm = tempo
			}
			continue
		}
		if len(ev.msg) == 0 || ev.msg[0] < 0x80 || ev.msg[0] >= 0xF0 {
			continue
		}
		out = append(out, scheduledEvent{
			frame: int64(math.Floor(elapsed.Seconds()*sampleRate + 1e-9)),
			data:  bytes.Clone(ev.msg),
		})
	}
	return out, nil
}
