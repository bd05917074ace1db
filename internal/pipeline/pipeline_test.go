package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/smallnest/ringbuffer"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/audiolibrelab/jamrec/internal/codec"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memEncoder collects interleaved samples in memory. When gate is set every
// write blocks until the gate is closed.
type memEncoder struct {
	gate    chan struct{}
	failNew error

	mu      sync.Mutex
	samples []float32
	closed  bool
}

func (e *memEncoder) Format() codec.Format { return codec.FormatWAV }

func (e *memEncoder) NewWriter(out afero.File, p codec.Params) (codec.Writer, error) {
	if e.failNew != nil {
		return nil, e.failNew
	}
	return &memWriter{enc: e, out: out}, nil
}

func (e *memEncoder) snapshot() ([]float32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float32(nil), e.samples...), e.closed
}

type memWriter struct {
	enc *memEncoder
	out afero.File
}

func (w *memWriter) WriteFrames(interleaved []float32) error {
	if w.enc.gate != nil {
		<-w.enc.gate
	}
	w.enc.mu.Lock()
	defer w.enc.mu.Unlock()
	w.enc.samples = append(w.enc.samples, interleaved...)
	return nil
}

func (w *memWriter) Close() error {
	w.enc.mu.Lock()
	w.enc.closed = true
	w.enc.mu.Unlock()
	return w.out.Close()
}

func memRegistry(e *memEncoder) *codec.Registry {
	r := codec.NewRegistry()
	r.Register(e)
	return r
}

func ramp(frames int, base float32) []float32 {
	out := make([]float32, frames)
	for i := range out {
		out[i] = base + float32(i)/float32(frames)
	}
	return out
}

func TestPipeline_PushAndCloseWritesEverything(t *testing.T) {
	enc := &memEncoder{}
	fsys := afero.NewMemMapFs()
	p, err := Open(fsys, memRegistry(enc), Options{
		Path:   "/rec/take.wav",
		Params: codec.Params{SampleRate: 48000, Channels: 2, BitDepth: 16},
	}, nil)
	require.NoError(t, err)

	var want []float32
	for b := 0; b < 20; b++ {
		left := ramp(512, float32(b))
		right := ramp(512, -float32(b))
		require.Equal(t, 512, p.Push([][]float32{left, right}, 512))
		for i := range left {
			want = append(want, left[i], right[i])
		}
	}
	require.NoError(t, p.Close())

	got, closed := enc.snapshot()
	assert.True(t, closed)
	assert.Equal(t, want, got)

	st := p.Stats()
	assert.Equal(t, int64(20*512), st.Pushed)
	assert.Equal(t, int64(20*512), st.Written)
	assert.Zero(t, st.Dropped)
}

func TestPipeline_MissingChannelsAreSilent(t *testing.T) {
	enc := &memEncoder{}
	p, err := Open(afero.NewMemMapFs(), memRegistry(enc), Options{
		Path:   "/take.wav",
		Params: codec.Params{SampleRate: 48000, Channels: 2, BitDepth: 16},
	}, nil)
	require.NoError(t, err)

	p.Push([][]float32{{0.1, 0.2}}, 2)
	require.NoError(t, p.Close())

	got, _ := enc.snapshot()
	assert.Equal(t, []float32{0.1, 0, 0.2, 0}, got)
}

func TestPipeline_OverflowDropsWholeChunks(t *testing.T) {
	enc := &memEncoder{gate: make(chan struct{})}
	p, err := Open(afero.NewMemMapFs(), memRegistry(enc), Options{
		Path:           "/take.wav",
		Params:         codec.Params{SampleRate: 48000, Channels: 1, BitDepth: 16},
		CapacityFrames: 1024,
	}, nil)
	require.NoError(t, err)

	const chunks, frames = 20, 256
	accepted := 0
	for i := 0; i < chunks; i++ {
		n := p.Push([][]float32{ramp(frames, 0)}, frames)
		assert.Contains(t, []int{0, frames}, n, "chunks are accepted or dropped whole")
		accepted += n
	}

	st := p.Stats()
	assert.Positive(t, st.Dropped)
	assert.Equal(t, int64(chunks*frames), st.Pushed+st.Dropped)

	close(enc.gate)
	require.NoError(t, p.Close())

	got, _ := enc.snapshot()
	assert.Len(t, got, accepted)
	assert.Equal(t, int64(accepted), p.Stats().Written)
}

func TestPipeline_ChunkLargerThanRingIsDropped(t *testing.T) {
	enc := &memEncoder{}
	p, err := Open(afero.NewMemMapFs(), memRegistry(enc), Options{
		Path:           "/take.wav",
		Params:         codec.Params{SampleRate: 48000, Channels: 1, BitDepth: 16},
		CapacityFrames: 128,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, p.Push([][]float32{ramp(256, 0)}, 256))
	require.NoError(t, p.Close())
	assert.Equal(t, int64(256), p.Stats().Dropped)
}

// busyRing reports lock contention on every write while busy is set.
type busyRing struct {
	*ringbuffer.RingBuffer
	busy atomic.Bool
}

func (r *busyRing) TryWrite(p []byte) (int, error) {
	if r.busy.Load() {
		return 0, ringbuffer.ErrAcquireLock
	}
	return r.RingBuffer.TryWrite(p)
}

func TestPipeline_LockedRingDropsInsteadOfWaiting(t *testing.T) {
	ring := &busyRing{}
	orig := newRing
	newRing = func(size int) frameRing {
		ring.RingBuffer = ringbuffer.New(size)
		return ring
	}
	t.Cleanup(func() { newRing = orig })

	enc := &memEncoder{}
	p, err := Open(afero.NewMemMapFs(), memRegistry(enc), Options{
		Path:   "/take.wav",
		Params: codec.Params{SampleRate: 48000, Channels: 1, BitDepth: 16},
	}, nil)
	require.NoError(t, err)

	ring.busy.Store(true)
	assert.Equal(t, 0, p.Push([][]float32{ramp(64, 0)}, 64))
	ring.busy.Store(false)
	assert.Equal(t, 32, p.Push([][]float32{ramp(32, 1)}, 32))
	require.NoError(t, p.Close())

	st := p.Stats()
	assert.Equal(t, int64(64), st.Dropped)
	assert.Equal(t, int64(32), st.Pushed)
	assert.Equal(t, int64(32), st.Written)
	got, _ := enc.snapshot()
	assert.Equal(t, ramp(32, 1), got)
}

func TestPipeline_RingRoomIsReclaimedAfterDrain(t *testing.T) {
	enc := &memEncoder{}
	p, err := Open(afero.NewMemMapFs(), memRegistry(enc), Options{
		Path:           "/take.wav",
		Params:         codec.Params{SampleRate: 48000, Channels: 1, BitDepth: 16},
		CapacityFrames: 256,
	}, nil)
	require.NoError(t, err)

	// Each push fills the ring, so every later push needs the worker to
	// have handed the room back first.
	for i := 0; i < 8; i++ {
		require.Eventually(t, func() bool {
			return p.Push([][]float32{ramp(256, float32(i))}, 256) == 256
		}, time.Second, time.Millisecond)
	}
	require.NoError(t, p.Close())
	assert.Equal(t, int64(8*256), p.Stats().Written)
}

func TestPipeline_FlushTimeout(t *testing.T) {
	enc := &memEncoder{gate: make(chan struct{})}
	p, err := Open(afero.NewMemMapFs(), memRegistry(enc), Options{
		Path:         "/take.wav",
		Params:       codec.Params{SampleRate: 48000, Channels: 1, BitDepth: 16},
		FlushTimeout: 50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	p.Push([][]float32{ramp(64, 0)}, 64)

	err = p.Close()
	assert.ErrorIs(t, err, ErrFlushTimeout)

	// release the stuck writer so the worker can exit
	close(enc.gate)
	<-p.Done()
}

func TestPipeline_CloseIsIdempotent(t *testing.T) {
	enc := &memEncoder{}
	p, err := Open(afero.NewMemMapFs(), memRegistry(enc), Options{
		Path:   "/take.wav",
		Params: codec.Params{SampleRate: 48000, Channels: 1, BitDepth: 16},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestOpen_Errors(t *testing.T) {
	params := codec.Params{SampleRate: 48000, Channels: 1, BitDepth: 16}

	t.Run("unknown extension", func(t *testing.T) {
		_, err := Open(afero.NewMemMapFs(), codec.DefaultRegistry(""), Options{Path: "/take.xyz", Params: params}, nil)
		assert.ErrorIs(t, err, codec.ErrCodecUnsupported)
	})

	t.Run("unregistered format", func(t *testing.T) {
		_, err := Open(afero.NewMemMapFs(), codec.NewRegistry(), Options{Path: "/take.wav", Params: params}, nil)
		assert.ErrorIs(t, err, codec.ErrCodecUnsupported)
	})

	t.Run("read only destination", func(t *testing.T) {
		fsys := afero.NewReadOnlyFs(afero.NewMemMapFs())
		_, err := Open(fsys, codec.DefaultRegistry(""), Options{Path: "/take.wav", Params: params}, nil)
		assert.ErrorIs(t, err, ErrDestinationUnwritable)
	})

	t.Run("encoder rejects params", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		enc := &memEncoder{failNew: errors.New("boom")}
		_, err := Open(fsys, memRegistry(enc), Options{Path: "/take.wav", Params: params}, nil)
		require.Error(t, err)
		exists, _ := afero.Exists(fsys, "/take.wav")
		assert.False(t, exists, "failed open must not leave a file behind")
	})
}

func TestPipeline_WAVReplacesExistingFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/take.wav", []byte("old take"), 0o644))

	p, err := Open(fsys, codec.DefaultRegistry(""), Options{
		Path:   "/take.wav",
		Params: codec.Params{SampleRate: 48000, Channels: 1, BitDepth: 16},
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		p.Push([][]float32{ramp(480, 0)}, 480)
	}
	require.NoError(t, p.Close())

	f, err := fsys.Open("/take.wav")
	require.NoError(t, err)
	defer f.Close()

	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	assert.Len(t, buf.Data, 4800)
}

type countingObserver struct {
	mu                       sync.Mutex
	pushed, dropped, written int
	flushes                  int
}

func (o *countingObserver) FramesPushed(n int)  { o.mu.Lock(); o.pushed += n; o.mu.Unlock() }
func (o *countingObserver) FramesDropped(n int) { o.mu.Lock(); o.dropped += n; o.mu.Unlock() }
func (o *countingObserver) FramesWritten(n int) { o.mu.Lock(); o.written += n; o.mu.Unlock() }
func (o *countingObserver) FlushDuration(time.Duration) {
	o.mu.Lock()
	o.flushes++
	o.mu.Unlock()
}

func TestPipeline_ReportsToObserver(t *testing.T) {
	obs := &countingObserver{}
	p, err := Open(afero.NewMemMapFs(), memRegistry(&memEncoder{}), Options{
		Path:   "/take.wav",
		Params: codec.Params{SampleRate: 48000, Channels: 1, BitDepth: 16},
	}, obs)
	require.NoError(t, err)

	p.Push([][]float32{ramp(100, 0)}, 100)
	require.NoError(t, p.Close())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 100, obs.pushed)
	assert.Equal(t, 100, obs.written)
	assert.Equal(t, 1, obs.flushes)
}
