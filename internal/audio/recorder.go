package audio

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/jamrec/internal/midi"
	"github.com/audiolibrelab/jamrec/internal/pipeline"
)

// Status represents the current state of one recorded stream
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusRecording Status = "RECORDING"
)

// StreamKind selects which recorder a request targets
type StreamKind string

const (
	StreamAudio StreamKind = "audio"
	StreamMidi  StreamKind = "midi"
)

func ParseStreamKind(s string) (StreamKind, error) {
	switch StreamKind(strings.ToLower(strings.TrimSpace(s))) {
	case StreamAudio:
		return StreamAudio, nil
	case StreamMidi:
		return StreamMidi, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStream, s)
}

// Block is one host processing callback worth of input. Channels holds
// planar samples, each slice at least Frames long.
type Block struct {
	Channels [][]float32
	Frames   int
	Midi     []midi.RawEvent
}

type StreamStatus struct {
	Status Status `json:"status"`
	Path   string `json:"path,omitempty"`
}

// Snapshot contains the observable state of the controller
type Snapshot struct {
	Audio StreamStatus `json:"audio"`
	Midi  StreamStatus `json:"midi"`

	SampleRate  float64        `json:"sample_rate"`
	Frames      pipeline.Stats `json:"frames"`
	MidiEvents  int            `json:"midi_events"`
	MidiSeconds float64        `json:"midi_seconds"`
	MidiDropped int64          `json:"midi_dropped,omitempty"`
	Panics      int64          `json:"panics,omitempty"`
}

// Recorder defines the control surface used by the service and the hosts
type Recorder interface {
	StartRecording(kind StreamKind, path string) error
	StopRecording(kind StreamKind) error
	Process(b Block)

	// Status and information
	Status() Snapshot
}
