package audio

import "context"

// BackendType represents the kind of host driving the processor
type BackendType string

const (
	BackendTypeDevice  BackendType = "device"
	BackendTypeOffline BackendType = "offline"
)

// Processor is the host facing side of the engine. Prepare and Release are
// called outside the real-time thread, Process on it.
type Processor interface {
	Prepare(sampleRate float64, maxBlockFrames int)
	Process(b Block)
	Release()
}

// Backend defines the interface for host implementations that feed blocks
// into a Processor until ctx is cancelled or the input ends.
type Backend interface {
	Run(ctx context.Context, p Processor) error

	// Get the backend type
	Type() BackendType
}
