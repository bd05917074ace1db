package midi

import (
	"fmt"
	"io"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2/smf"
)

// Summary reports what a serialization pass wrote.
type Summary struct {
	Written int
	Skipped int
	Dropped int // lost at capture time, see Capture.AppendBlock
}

// WriteSMF writes events as a single-track SMF with the given resolution.
// Events are ordered by tick (stable, so equal ticks keep arrival order) and
// ticks are rounded to whole delta times. Only channel voice messages are kept.
func WriteSMF(w io.Writer, events []Event, ticksPerQuarterNote uint16) (Summary, error) {
	if ticksPerQuarterNote == 0 {
		ticksPerQuarterNote = DefaultTicksPerQuarterNote
	}

	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Tick < ordered[j].Tick
	})

	var (
		track   smf.Track
		summary Summary
		last    uint32
	)
	for _, ev := range ordered {
		msg, ok := channelMessage(ev.Data)
		if !ok {
			summary.Skipped++
			continue
		}
		abs := roundTick(ev.Tick)
		if abs < last {
			abs = last
		}
		track.Add(abs-last, msg)
		last = abs
		summary.Written++
	}
	track.Close(0)

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(ticksPerQuarterNote)
	if err := s.Add(track); err != nil {
		return summary, fmt.Errorf("error adding midi track: %w", err)
	}
	if _, err := s.WriteTo(w); err != nil {
		return summary, fmt.Errorf("error writing midi file: %w", err)
	}
	return summary, nil
}

func roundTick(tick float64) uint32 {
	if tick <= 0 {
		return 0
	}
	if tick >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(math.Round(tick))
}

// channelMessage trims data to a complete channel voice message.
func channelMessage(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	status := data[0]
	if status < 0x80 || status >= 0xF0 {
		return nil, false
	}
	size := 3
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		size = 2
	}
	if len(data) < size {
		return nil, false
	}
	return data[:size], true
}
