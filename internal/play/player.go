package play

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// players in order of preference
var defaultPlayers = []string{"vlc", "mpv", "ffplay", "aplay"}

type Player struct {
	players  []string
	lookPath func(string) (string, error)
	command  func(name string, args ...string) *exec.Cmd
}

func New() *Player {
	return &Player{
		players:  defaultPlayers,
		lookPath: exec.LookPath,
		command:  exec.Command,
	}
}

// Play plays audioFile with the first available external player and waits
// for it to exit.
func (p *Player) Play(audioFile string) error {
	if _, err := os.Stat(audioFile); err != nil {
		return fmt.Errorf("audio file not found: %s", audioFile)
	}

	fmt.Printf("Playing: %s\n", audioFile)

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	args, err := playerArgs(player, audioFile)
	if err != nil {
		return err
	}

	slog.Debug("Starting player", "player", player, "args", args)
	cmd := p.command(player, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}

	fmt.Println("Playback completed")
	return nil
}

func playerArgs(player, audioFile string) ([]string, error) {
	switch player {
	case "vlc":
		return []string{"--play-and-exit", audioFile}, nil
	case "mpv":
		return []string{"--no-video", audioFile}, nil
	case "ffplay":
		return []string{"-nodisp", "-autoexit", audioFile}, nil
	case "aplay":
		// aplay only understands WAV
		if ext := strings.ToLower(filepath.Ext(audioFile)); ext != ".wav" {
			return nil, fmt.Errorf("aplay requires WAV format, file is %s", strings.TrimPrefix(ext, "."))
		}
		return []string{audioFile}, nil
	}
	return nil, fmt.Errorf("unsupported player: %s", player)
}

func (p *Player) findAudioPlayer() (string, error) {
	for _, player := range p.players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(p.players, ", "))
}
