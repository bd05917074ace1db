package codec

import (
	"fmt"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

const wavFormatPCM = 1

type wavEncoder struct{}

// NewWAVEncoder returns the uncompressed PCM encoder.
func NewWAVEncoder() Encoder {
	return wavEncoder{}
}

func (wavEncoder) Format() Format { return FormatWAV }

func (wavEncoder) NewWriter(out afero.File, p Params) (Writer, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.BitDepth != 16 && p.BitDepth != 24 {
		return nil, fmt.Errorf("%w: wav bit depth %d", ErrCodecUnsupported, p.BitDepth)
	}
	return &wavWriter{
		out: out,
		enc: wav.NewEncoder(out, p.SampleRate, p.BitDepth, p.Channels, wavFormatPCM),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: p.SampleRate, NumChannels: p.Channels},
			SourceBitDepth: p.BitDepth,
		},
		peak: float64(int(1)<<(p.BitDepth-1) - 1),
	}, nil
}

type wavWriter struct {
	out  afero.File
	enc  *wav.Encoder
	buf  *audio.IntBuffer
	peak float64

	started bool
}

func (w *wavWriter) WriteFrames(interleaved []float32) error {
	if len(interleaved) == 0 {
		return nil
	}
	if cap(w.buf.Data) < len(interleaved) {
		w.buf.Data = make([]int, len(interleaved))
	}
	w.buf.Data = w.buf.Data[:len(interleaved)]
	for i, s := range interleaved {
		w.buf.Data[i] = Quantize(s, w.peak)
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write to WAV encoder: %w", err)
	}
	w.started = true
	return nil
}

func (w *wavWriter) Close() error {
	var err error
	if !w.started {
		// the encoder only emits the RIFF and data headers on the first write
		w.buf.Data = w.buf.Data[:0]
		err = w.enc.Write(w.buf)
	}
	if err == nil {
		err = w.enc.Close()
	}
	if cerr := w.out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to finalize WAV file: %w", err)
	}
	return nil
}

// Quantize clips s to [-1, 1] and scales it to a signed integer of amplitude peak.
func Quantize(s float32, peak float64) int {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int(math.Round(v * peak))
}
