package host

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/audiolibrelab/jamrec/internal/audio"
	"github.com/audiolibrelab/jamrec/internal/midi"
)

// maxEventsPerBlock caps how many MIDI messages a single callback forwards;
// the rest stay queued for the next block.
const maxEventsPerBlock = 256

// Adapter converts interleaved 32-bit float capture buffers into planar
// blocks for a Processor. All buffers are allocated up front so the capture
// callback does not allocate unless the device delivers more frames than
// announced.
type Adapter struct {
	proc       audio.Processor
	channels   int
	sampleRate float64
	queue      *MidiQueue
	clock      func() int64

	planar [][]float32
	events []midi.RawEvent
	arena  []byte
}

// NewAdapter prepares buffers for blocks of up to maxFrames frames. queue
// may be nil when no MIDI input is open.
func NewAdapter(proc audio.Processor, channels int, sampleRate float64, maxFrames int, queue *MidiQueue) *Adapter {
	a := &Adapter{
		proc:       proc,
		channels:   channels,
		sampleRate: sampleRate,
		queue:      queue,
		clock:      Now,
		events:     make([]midi.RawEvent, 0, maxEventsPerBlock),
		arena:      make([]byte, maxEventsPerBlock*3),
	}
	a.grow(maxFrames)
	return a
}

// Now is the host clock used to stamp MIDI arrivals
func Now() int64 {
	return time.Now().UnixNano()
}

func (a *Adapter) grow(frames int) {
	a.planar = make([][]float32, a.channels)
	for ch := range a.planar {
		a.planar[ch] = make([]float32, frames)
	}
}

// OnData handles one capture callback. input holds frames interleaved
// float32 little-endian frames.
func (a *Adapter) OnData(input []byte, frames int) {
	if frames <= 0 || a.channels <= 0 {
		return
	}
	if avail := len(input) / (4 * a.channels); frames > avail {
		frames = avail
	}
	if len(a.planar) == 0 || len(a.planar[0]) < frames {
		a.grow(frames)
	}

	for i := 0; i < frames; i++ {
		for ch := 0; ch < a.channels; ch++ {
			off := (i*a.channels + ch) * 4
			a.planar[ch][i] = math.Float32frombits(binary.LittleEndian.Uint32(input[off:]))
		}
	}

	var events []midi.RawEvent
	if a.queue != nil {
		blockNanos := int64(0)
		if a.sampleRate > 0 {
			blockNanos = int64(float64(frames) / a.sampleRate * float64(time.Second))
		}
		events = a.queue.drain(a.events, a.arena, a.clock(), blockNanos, frames)
	}

	a.proc.Process(audio.Block{Channels: a.planar, Frames: frames, Midi: events})
}
