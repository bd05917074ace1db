// Package midi records incoming MIDI events against a sample-accurate
// capture clock and serializes them as a Standard MIDI File.
package midi

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/spf13/afero"
)

// DefaultTicksPerQuarterNote is the SMF header resolution used on save.
const DefaultTicksPerQuarterNote = 96

// RawEvent is a MIDI message as delivered by the host for one block.
type RawEvent struct {
	Data         []byte
	SampleOffset int
}

// Event is a captured message stamped on the capture timeline.
type Event struct {
	Data []byte
	Tick float64
}

// Capture accumulates timestamped events between Start and Stop.
//
// Start, AppendBlock and Stop must not run concurrently; the caller serializes
// them. Len, Cursor and Active may be called from any goroutine.
type Capture struct {
	ticksPerSecond float64
	logger         *slog.Logger

	events []Event
	arena  []byte
	cursor float64

	active    atomic.Bool
	count     atomic.Int64
	dropped   atomic.Int64
	cursorBit atomic.Uint64
}

// DefaultEventCapacity is used when NewCapture gets a non-positive capacity.
const DefaultEventCapacity = 65536

// NewCapture preallocates room for capacity events of up to three bytes each.
// The capture never grows past that.
func NewCapture(ticksPerSecond float64, capacity int, logger *slog.Logger) *Capture {
	if ticksPerSecond <= 0 {
		ticksPerSecond = DefaultTicksPerSecond
	}
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		ticksPerSecond: ticksPerSecond,
		logger:         logger.With("component", "midi-capture"),
		events:         make([]Event, 0, capacity),
		arena:          make([]byte, 0, capacity*3),
	}
}

// Start clears previous events and resets the cursor. It reports false when a
// capture is already running, in which case nothing changes.
func (c *Capture) Start() bool {
	if c.active.Load() {
		return false
	}
	c.events = c.events[:0]
	c.arena = c.arena[:0]
	c.cursor = 0
	c.count.Store(0)
	c.dropped.Store(0)
	c.cursorBit.Store(0)
	c.active.Store(true)
	return true
}

// AppendBlock stamps every event of one block using the cursor value at the
// start of the block, then advances the cursor by blockSeconds. Blocks without
// events still advance the cursor.
//
// AppendBlock runs on the real-time thread and never allocates. Events that
// no longer fit the preallocated storage are dropped and counted; see Dropped.
func (c *Capture) AppendBlock(events []RawEvent, blockSamples int, blockSeconds float64) {
	if !c.active.Load() {
		return
	}
	for _, ev := range events {
		if len(ev.Data) == 0 {
			continue
		}
		offset := ev.SampleOffset
		if offset < 0 {
			offset = 0
		} else if blockSamples > 0 && offset >= blockSamples {
			offset = blockSamples - 1
		}
		tick, ok := TickTimestamp(c.ticksPerSecond, c.cursor, blockSeconds, offset, blockSamples)
		if !ok {
			break
		}
		if len(c.events) == cap(c.events) || len(c.arena)+len(ev.Data) > cap(c.arena) {
			c.dropped.Add(1)
			continue
		}
		start := len(c.arena)
		c.arena = append(c.arena, ev.Data...)
		c.events = append(c.events, Event{Data: c.arena[start:len(c.arena):len(c.arena)], Tick: tick})
	}
	c.count.Store(int64(len(c.events)))
	c.cursor += blockSeconds
	c.cursorBit.Store(math.Float64bits(c.cursor))
}

// Stop serializes the captured events to path, replacing any existing file, and
// ends the capture. Stopping an inactive capture does nothing.
func (c *Capture) Stop(fsys afero.Fs, path string, ticksPerQuarterNote uint16) (Summary, error) {
	if !c.active.Load() {
		return Summary{}, nil
	}
	c.active.Store(false)

	if err := fsys.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Summary{}, fmt.Errorf("failed to remove existing midi file %s: %w", path, err)
	}
	f, err := fsys.Create(path)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to create midi file %s: %w", path, err)
	}

	summary, err := WriteSMF(f, c.events, ticksPerQuarterNote)
	summary.Dropped = int(c.dropped.Load())
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close midi file %s: %w", path, cerr)
	}
	if err != nil {
		return summary, err
	}
	if summary.Dropped > 0 {
		c.logger.Warn("midi capture buffer full, events dropped", "count", summary.Dropped, "capacity", cap(c.events), "path", path)
	}
	if summary.Skipped > 0 {
		c.logger.Warn("skipped non-channel midi messages", "count", summary.Skipped, "path", path)
	}
	c.logger.Info("midi capture saved", "path", path, "events", summary.Written, "duration_s", c.cursor)
	return summary, nil
}

// Events returns the captured events in arrival order. The slice is only
// valid until the next Start.
func (c *Capture) Events() []Event {
	return c.events
}

func (c *Capture) Len() int {
	return int(c.count.Load())
}

// Dropped returns how many events the current capture could not store.
func (c *Capture) Dropped() int64 {
	return c.dropped.Load()
}

// Cursor returns the elapsed capture time in seconds.
func (c *Capture) Cursor() float64 {
	return math.Float64frombits(c.cursorBit.Load())
}

func (c *Capture) Active() bool {
	return c.active.Load()
}
