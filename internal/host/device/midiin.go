package device

import (
	"fmt"
	"log/slog"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/audiolibrelab/jamrec/internal/host"
)

type midiInput struct {
	port drivers.In
	stop func()
}

// openMidiInput listens on the first input port whose name contains name and
// pushes every message into queue.
func openMidiInput(name string, queue *host.MidiQueue, logger *slog.Logger) (*midiInput, error) {
	port, err := findMidiPort(name)
	if err != nil {
		return nil, err
	}

	stop, err := midi.ListenTo(port, func(msg midi.Message, _ int32) {
		queue.Push(msg, host.Now())
	}, midi.HandleError(func(err error) {
		logger.Warn("midi input error", "port", port.String(), "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on midi port %s: %w", port.String(), err)
	}
	logger.Info("midi input connected", "port", port.String())
	return &midiInput{port: port, stop: stop}, nil
}

func (m *midiInput) Close() {
	m.stop()
	_ = m.port.Close()
}

func findMidiPort(name string) (drivers.In, error) {
	want := strings.ToLower(name)
	for _, in := range midi.GetInPorts() {
		if strings.Contains(strings.ToLower(in.String()), want) {
			return in, nil
		}
	}
	return nil, fmt.Errorf("midi input port not found: %s", name)
}
