package device

import (
	"fmt"

	"github.com/gen2brain/malgo"
	"gitlab.com/gomidi/midi/v2"
)

// Source describes a capture device or MIDI input port
type Source struct {
	Index   int
	Name    string
	Default bool
}

// ListAudioSources returns the capture devices known to miniaudio
func ListAudioSources() ([]Source, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	sources := make([]Source, 0, len(infos))
	for i := range infos {
		sources = append(sources, Source{
			Index:   i,
			Name:    infos[i].Name(),
			Default: infos[i].IsDefault != 0,
		})
	}
	return sources, nil
}

// ListMidiSources returns the MIDI input ports of the registered driver
func ListMidiSources() []Source {
	ports := midi.GetInPorts()
	sources := make([]Source, 0, len(ports))
	for _, p := range ports {
		sources = append(sources, Source{Index: p.Number(), Name: p.String()})
	}
	return sources
}
