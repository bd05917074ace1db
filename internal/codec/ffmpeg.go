package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

var (
	opusSampleRates = []int{8000, 12000, 16000, 24000, 48000}
	mp3SampleRates  = []int{8000, 11025, 12000, 16000, 22050, 24000, 32000, 44100, 48000}
)

type ffmpegEncoder struct {
	format     Format
	ffmpegPath string
}

// NewFFmpegEncoder returns an encoder that pipes raw float frames through an
// ffmpeg process and streams the resulting container into the output file.
func NewFFmpegEncoder(f Format, ffmpegPath string) Encoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &ffmpegEncoder{format: f, ffmpegPath: ffmpegPath}
}

func (e *ffmpegEncoder) Format() Format { return e.format }

func (e *ffmpegEncoder) NewWriter(out afero.File, p Params) (Writer, error) {
	if err := e.validate(p); err != nil {
		return nil, err
	}
	bin, err := exec.LookPath(e.ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not available for %s: %v", ErrCodecUnsupported, e.format, err)
	}

	cmd := exec.Command(bin, buildFFmpegArgs(e.format, p)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	w := &ffmpegWriter{
		format: e.format,
		cmd:    cmd,
		stdin:  stdin,
		out:    out,
		stderr: stderr,
	}
	w.drain.Go(func() error {
		if _, err := io.Copy(out, stdout); err != nil {
			return fmt.Errorf("failed to copy encoded %s stream: %w", e.format, err)
		}
		return nil
	})
	return w, nil
}

func (e *ffmpegEncoder) validate(p Params) error {
	if err := p.validate(); err != nil {
		return err
	}
	switch e.format {
	case FormatOpus:
		if !slices.Contains(opusSampleRates, p.SampleRate) {
			return fmt.Errorf("%w: opus does not support %d Hz", ErrCodecUnsupported, p.SampleRate)
		}
	case FormatMP3:
		if !slices.Contains(mp3SampleRates, p.SampleRate) {
			return fmt.Errorf("%w: mp3 does not support %d Hz", ErrCodecUnsupported, p.SampleRate)
		}
		if p.Channels > 2 {
			return fmt.Errorf("%w: mp3 supports at most 2 channels, got %d", ErrCodecUnsupported, p.Channels)
		}
	case FormatFLAC:
		if p.BitDepth != 16 && p.BitDepth != 24 {
			return fmt.Errorf("%w: flac bit depth %d", ErrCodecUnsupported, p.BitDepth)
		}
	case FormatOGG:
	default:
		return fmt.Errorf("%w: ffmpeg backend cannot encode %q", ErrCodecUnsupported, e.format)
	}
	return nil
}

// buildFFmpegArgs constructs the arguments for the FFmpeg command
func buildFFmpegArgs(f Format, p Params) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "f32le",
		"-ar", strconv.Itoa(p.SampleRate),
		"-ac", strconv.Itoa(p.Channels),
		"-i", "pipe:0",
	}

	quality := min(max(p.Quality, 0), 10)
	switch f {
	case FormatOGG:
		args = append(args, "-c:a", "libvorbis", "-q:a", strconv.Itoa(quality), "-f", "ogg")
	case FormatMP3:
		// lame VBR scale runs from 0 (best) to 9
		args = append(args, "-c:a", "libmp3lame", "-q:a", strconv.Itoa(9-min(quality, 9)), "-f", "mp3")
	case FormatOpus:
		args = append(args, "-c:a", "libopus", "-b:a", fmt.Sprintf("%dk", 32+quality*16), "-f", "opus")
	case FormatFLAC:
		sampleFmt := "s16"
		if p.BitDepth == 24 {
			sampleFmt = "s32"
		}
		args = append(args, "-c:a", "flac", "-sample_fmt", sampleFmt, "-f", "flac")
	}
	return append(args, "pipe:1")
}

type ffmpegWriter struct {
	format  Format
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     afero.File
	stderr  *bytes.Buffer
	drain   errgroup.Group
	scratch []byte
}

func (w *ffmpegWriter) WriteFrames(interleaved []float32) error {
	n := len(interleaved) * 4
	if cap(w.scratch) < n {
		w.scratch = make([]byte, n)
	}
	buf := w.scratch[:n]
	for i, s := range interleaved {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	if _, err := w.stdin.Write(buf); err != nil {
		return fmt.Errorf("failed to write PCM data to FFmpeg: %w", err)
	}
	return nil
}

// Close ends the input stream, waits for ffmpeg to flush the container and
// closes the output file.
func (w *ffmpegWriter) Close() error {
	var errs []string
	if err := w.stdin.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := w.drain.Wait(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := w.cmd.Wait(); err != nil {
		msg := strings.TrimSpace(w.stderr.String())
		errs = append(errs, fmt.Sprintf("FFmpeg failed: %v: %s", err, msg))
	}
	if err := w.out.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to finalize %s file: %s", w.format, strings.Join(errs, "; "))
	}
	return nil
}
