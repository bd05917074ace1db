package audio

import (
	"errors"

	"github.com/audiolibrelab/jamrec/internal/codec"
	"github.com/audiolibrelab/jamrec/internal/pipeline"
)

var (
	ErrDestinationUnwritable = pipeline.ErrDestinationUnwritable
	ErrCodecUnsupported      = codec.ErrCodecUnsupported
	ErrOverflow              = pipeline.ErrOverflow
	ErrFlushTimeout          = pipeline.ErrFlushTimeout

	// ErrAlreadyRecording and ErrNotRecording describe benign no-op requests.
	// The controller only logs them. The service returns ErrAlreadyRecording
	// when a session would share a stream with a single-stream recording.
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")

	ErrUnknownStream = errors.New("unknown stream kind")
)
