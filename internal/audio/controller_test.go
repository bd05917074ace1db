package audio

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2/smf"
	"go.uber.org/goleak"

	"github.com/audiolibrelab/jamrec/internal/codec"
	"github.com/audiolibrelab/jamrec/internal/midi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const blockFrames = 512

func newTestController(t *testing.T, fsys afero.Fs) *Controller {
	t.Helper()
	c := NewController(fsys, codec.DefaultRegistry(""), Options{
		Params: codec.Params{SampleRate: 48000, Channels: 1, BitDepth: 16},
	})
	c.Prepare(48000, blockFrames)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func monoBlock(v float32, events ...midi.RawEvent) Block {
	ch := make([]float32, blockFrames)
	for i := range ch {
		ch[i] = v
	}
	return Block{Channels: [][]float32{ch}, Frames: blockFrames, Midi: events}
}

func wavFrames(t *testing.T, fsys afero.Fs, path string) []int {
	t.Helper()
	f, err := fsys.Open(path)
	require.NoError(t, err)
	defer f.Close()

	d := wav.NewDecoder(f)
	require.True(t, d.IsValidFile(), "%s is not a valid wav file", path)
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	return buf.Data
}

func TestController_AudioStartProcessStop(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := newTestController(t, fsys)

	require.NoError(t, c.StartRecording(StreamAudio, "/rec/take.wav"))
	assert.Equal(t, StatusRecording, c.Status().Audio.Status)
	assert.Equal(t, "/rec/take.wav", c.Status().Audio.Path)

	for i := 0; i < 10; i++ {
		c.Process(monoBlock(0.25))
	}
	require.NoError(t, c.StopRecording(StreamAudio))

	st := c.Status()
	assert.Equal(t, StatusIdle, st.Audio.Status)
	assert.Equal(t, int64(10*blockFrames), st.Frames.Written)

	data := wavFrames(t, fsys, "/rec/take.wav")
	assert.Len(t, data, 10*blockFrames)
	assert.Equal(t, codec.Quantize(0.25, 32767), data[0])
}

func TestController_DoubleStartKeepsOnePipeline(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := newTestController(t, fsys)

	require.NoError(t, c.StartAudio("/a.wav"))
	first := c.audio
	require.NoError(t, c.StartAudio("/b.wav"), "second start is a no-op, not an error")

	assert.Same(t, first, c.audio)
	assert.Equal(t, "/a.wav", c.Status().Audio.Path)
	exists, _ := afero.Exists(fsys, "/b.wav")
	assert.False(t, exists)
	require.NoError(t, c.StopAudio())
}

func TestController_StopWhenIdleIsNoop(t *testing.T) {
	c := newTestController(t, afero.NewMemMapFs())
	assert.NoError(t, c.StopAudio())
	assert.NoError(t, c.StopMidi())
	assert.Equal(t, StatusIdle, c.Status().Audio.Status)
	assert.Equal(t, StatusIdle, c.Status().Midi.Status)
}

func TestController_StopThenStartNewPath(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := newTestController(t, fsys)

	require.NoError(t, c.StartAudio("/one.wav"))
	for i := 0; i < 4; i++ {
		c.Process(monoBlock(0.1))
	}
	require.NoError(t, c.StopAudio())

	require.NoError(t, c.StartAudio("/two.wav"))
	for i := 0; i < 6; i++ {
		c.Process(monoBlock(-0.1))
	}
	require.NoError(t, c.StopAudio())

	one := wavFrames(t, fsys, "/one.wav")
	two := wavFrames(t, fsys, "/two.wav")
	assert.Len(t, one, 4*blockFrames)
	assert.Len(t, two, 6*blockFrames)
	assert.Positive(t, one[0])
	assert.Negative(t, two[0])
}

func TestController_StartErrorsLeaveIdle(t *testing.T) {
	t.Run("unsupported codec", func(t *testing.T) {
		c := newTestController(t, afero.NewMemMapFs())
		err := c.StartAudio("/take.aiff")
		assert.ErrorIs(t, err, ErrCodecUnsupported)
		assert.Equal(t, StatusIdle, c.Status().Audio.Status)
	})

	t.Run("unwritable audio destination", func(t *testing.T) {
		c := newTestController(t, afero.NewReadOnlyFs(afero.NewMemMapFs()))
		err := c.StartAudio("/take.wav")
		assert.ErrorIs(t, err, ErrDestinationUnwritable)
		assert.Equal(t, StatusIdle, c.Status().Audio.Status)
		c.Process(monoBlock(0.5))
	})

	t.Run("unwritable midi destination", func(t *testing.T) {
		c := newTestController(t, afero.NewReadOnlyFs(afero.NewMemMapFs()))
		err := c.StartMidi("/take.mid")
		assert.ErrorIs(t, err, ErrDestinationUnwritable)
		assert.Equal(t, StatusIdle, c.Status().Midi.Status)
	})

	t.Run("unknown stream", func(t *testing.T) {
		c := newTestController(t, afero.NewMemMapFs())
		assert.ErrorIs(t, c.StartRecording("video", "/x"), ErrUnknownStream)
		assert.ErrorIs(t, c.StopRecording("video"), ErrUnknownStream)
	})
}

func TestController_MidiCapture(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := newTestController(t, fsys)

	require.NoError(t, c.StartRecording(StreamMidi, "/take.mid"))
	c.Process(monoBlock(0, midi.RawEvent{Data: []byte{0x90, 60, 100}, SampleOffset: 256}))
	c.Process(monoBlock(0, midi.RawEvent{Data: []byte{0x80, 60, 0}, SampleOffset: 0}))
	assert.Equal(t, 2, c.Status().MidiEvents)
	require.NoError(t, c.StopRecording(StreamMidi))

	raw, err := afero.ReadFile(fsys, "/take.mid")
	require.NoError(t, err)
	s, err := smf.ReadFrom(bytes.NewReader(raw))
	require.NoError(t, err)

	var (
		abs   uint32
		ticks []uint32
	)
	for _, ev := range s.Tracks[0] {
		abs += ev.Delta
		if len(ev.Message) > 0 && ev.Message[0] != 0xFF {
			ticks = append(ticks, abs)
		}
	}
	assert.Equal(t, []uint32{1, 2}, ticks)
}

func TestController_MidiStartReplacesExistingFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/take.mid", []byte("old"), 0o644))
	c := newTestController(t, fsys)

	require.NoError(t, c.StartMidi("/take.mid"))
	size, err := fsys.Stat("/take.mid")
	require.NoError(t, err)
	assert.Zero(t, size.Size())
	require.NoError(t, c.StopMidi())
}

func TestController_ReleaseStopsBothStreams(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := newTestController(t, fsys)

	require.NoError(t, c.StartAudio("/take.wav"))
	require.NoError(t, c.StartMidi("/take.mid"))
	c.Process(monoBlock(0.3, midi.RawEvent{Data: []byte{0x90, 64, 90}}))
	c.Release()

	st := c.Status()
	assert.Equal(t, StatusIdle, st.Audio.Status)
	assert.Equal(t, StatusIdle, st.Midi.Status)
	assert.Len(t, wavFrames(t, fsys, "/take.wav"), blockFrames)
}

func TestController_PrepareChangesRecordingRate(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := newTestController(t, fsys)
	c.Prepare(44100, 256)

	require.NoError(t, c.StartAudio("/take.wav"))
	require.NoError(t, c.StopAudio())

	f, err := fsys.Open("/take.wav")
	require.NoError(t, err)
	defer f.Close()
	d := wav.NewDecoder(f)
	d.ReadInfo()
	assert.Equal(t, uint32(44100), d.SampleRate)
	assert.Equal(t, 44100.0, c.Status().SampleRate)
}

func TestController_ProcessWithoutRecordingIsNoop(t *testing.T) {
	c := newTestController(t, afero.NewMemMapFs())
	for i := 0; i < 100; i++ {
		c.Process(monoBlock(1, midi.RawEvent{Data: []byte{0x90, 1, 1}}))
	}
	c.Process(Block{})
	st := c.Status()
	assert.Zero(t, st.MidiEvents)
	assert.Zero(t, st.Panics)
}

// The real-time goroutine keeps processing while another goroutine starts and
// stops both recorders. Every take must come out complete and readable.
func TestController_ConcurrentStartStopWhileProcessing(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := newTestController(t, fsys)

	var (
		stop   atomic.Bool
		wg     sync.WaitGroup
		blocks atomic.Int64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		b := monoBlock(0.5, midi.RawEvent{Data: []byte{0x90, 60, 100}, SampleOffset: 10})
		for !stop.Load() {
			c.Process(b)
			blocks.Add(1)
			time.Sleep(50 * time.Microsecond)
		}
	}()

	const takes = 8
	for i := 0; i < takes; i++ {
		require.NoError(t, c.StartAudio(fmt.Sprintf("/take%d.wav", i)))
		require.NoError(t, c.StartMidi(fmt.Sprintf("/take%d.mid", i)))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, c.StopMidi())
		require.NoError(t, c.StopAudio())
	}
	stop.Store(true)
	wg.Wait()

	assert.Positive(t, blocks.Load())
	for i := 0; i < takes; i++ {
		data := wavFrames(t, fsys, fmt.Sprintf("/take%d.wav", i))
		assert.Zero(t, len(data)%blockFrames, "take %d holds a partial block", i)

		raw, err := afero.ReadFile(fsys, fmt.Sprintf("/take%d.mid", i))
		require.NoError(t, err)
		_, err = smf.ReadFrom(bytes.NewReader(raw))
		require.NoError(t, err)
	}
	assert.Zero(t, c.Status().Panics)
}
