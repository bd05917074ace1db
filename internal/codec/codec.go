// Package codec turns interleaved float32 frames into container files.
//
// Backends are looked up by Format through a Registry. A Writer owns the
// output file it was given and closes it when finalized.
package codec

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// ErrCodecUnsupported is returned when no encoder matches the requested
// format or the encoder rejects the stream parameters.
var ErrCodecUnsupported = errors.New("codec unsupported")

// Format identifies a container/codec pair by its file extension.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatOGG  Format = "ogg"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
	FormatOpus Format = "opus"
)

// Params describe the PCM stream handed to an encoder.
type Params struct {
	SampleRate int
	Channels   int
	BitDepth   int
	// Quality is an encoder specific quality index, 0-10. Ignored by
	// lossless encoders.
	Quality int
}

func (p Params) validate() error {
	if p.SampleRate <= 0 {
		return fmt.Errorf("%w: invalid sample rate %d", ErrCodecUnsupported, p.SampleRate)
	}
	if p.Channels <= 0 || p.Channels > 8 {
		return fmt.Errorf("%w: invalid channel count %d", ErrCodecUnsupported, p.Channels)
	}
	return nil
}

// Writer receives interleaved frames and finalizes the container on Close.
type Writer interface {
	WriteFrames(interleaved []float32) error
	Close() error
}

// Encoder creates writers for one format.
type Encoder interface {
	Format() Format
	NewWriter(out afero.File, p Params) (Writer, error)
}

// Registry maps formats to encoders.
type Registry struct {
	mu       sync.RWMutex
	encoders map[Format]Encoder
}

func NewRegistry() *Registry {
	return &Registry{encoders: make(map[Format]Encoder)}
}

// DefaultRegistry registers the WAV encoder and the ffmpeg backed lossy and
// lossless encoders.
func DefaultRegistry(ffmpegPath string) *Registry {
	r := NewRegistry()
	r.Register(NewWAVEncoder())
	for _, f := range []Format{FormatOGG, FormatMP3, FormatFLAC, FormatOpus} {
		r.Register(NewFFmpegEncoder(f, ffmpegPath))
	}
	return r
}

func (r *Registry) Register(e Encoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoders[e.Format()] = e
}

func (r *Registry) Lookup(f Format) (Encoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.encoders[f]
	if !ok {
		return nil, fmt.Errorf("%w: no encoder for %q", ErrCodecUnsupported, f)
	}
	return e, nil
}

// Formats lists registered formats in sorted order.
func (r *Registry) Formats() []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Format, 0, len(r.encoders))
	for f := range r.encoders {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FormatFromPath derives the format from the destination file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch Format(ext) {
	case FormatWAV, FormatOGG, FormatMP3, FormatFLAC, FormatOpus:
		return Format(ext), nil
	case "oga":
		return FormatOGG, nil
	case "":
		return "", fmt.Errorf("%w: %s has no file extension", ErrCodecUnsupported, path)
	}
	return "", fmt.Errorf("%w: unknown extension %q", ErrCodecUnsupported, ext)
}
