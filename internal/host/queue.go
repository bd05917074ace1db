package host

import (
	"sync/atomic"

	"github.com/audiolibrelab/jamrec/internal/midi"
)

// DefaultMidiQueueSize bounds the number of MIDI messages buffered between
// the input listener and the audio callback.
const DefaultMidiQueueSize = 1024

type queuedMessage struct {
	data [3]byte
	n    uint8
	at   int64 // arrival, nanoseconds on the host clock
}

// MidiQueue hands short MIDI messages from an input listener goroutine to
// the audio callback. Push never blocks; messages arriving while the queue
// is full are counted and dropped.
type MidiQueue struct {
	ch      chan queuedMessage
	dropped atomic.Int64
	skipped atomic.Int64
}

func NewMidiQueue(size int) *MidiQueue {
	if size <= 0 {
		size = DefaultMidiQueueSize
	}
	return &MidiQueue{ch: make(chan queuedMessage, size)}
}

// Push enqueues msg received at the given host time. Messages longer than
// three bytes (sysex) are not recordable and are skipped.
func (q *MidiQueue) Push(msg []byte, at int64) bool {
	if len(msg) == 0 || len(msg) > 3 {
		q.skipped.Add(1)
		return false
	}
	m := queuedMessage{n: uint8(len(msg)), at: at}
	copy(m.data[:], msg)
	select {
	case q.ch <- m:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dropped returns how many messages were lost to a full queue
func (q *MidiQueue) Dropped() int64 { return q.dropped.Load() }

// Skipped returns how many messages were rejected as too long
func (q *MidiQueue) Skipped() int64 { return q.skipped.Load() }

// drain moves queued messages into events, placing each one inside the block
// that ends at now. A message that arrived blockNanos or more before now
// lands on the first sample. arena backs the event bytes and must hold
// three bytes per event slot.
func (q *MidiQueue) drain(events []midi.RawEvent, arena []byte, now, blockNanos int64, frames int) []midi.RawEvent {
	events = events[:0]
	for len(events) < cap(events) {
		var m queuedMessage
		select {
		case m = <-q.ch:
		default:
			return events
		}

		offset := 0
		if blockNanos > 0 {
			age := now - m.at
			offset = frames - int(float64(age)/float64(blockNanos)*float64(frames))
		}
		offset = min(max(offset, 0), frames-1)

		i := len(events) * 3
		copy(arena[i:i+3], m.data[:])
		events = append(events, midi.RawEvent{Data: arena[i : i+int(m.n)], SampleOffset: offset})
	}
	return events
}
