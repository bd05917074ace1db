package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [song-name]",
	Short: "Show resolved configuration and file paths for a song",
	Long:  `Display the resolved configuration with inheritance indicators and file paths for the given song name. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cleanName := cleanFileName(args[0])

		fmt.Printf("=== FILE PATHS ===\n")
		fmt.Printf("output_audio: %s\n", filepath.Join(cfg.Output.Directory, cleanName+"."+cfg.Audio.Format))
		fmt.Printf("output_midi: %s\n", filepath.Join(cfg.Output.Directory, cleanName+".mid"))
		fmt.Printf("clean_name: %s\n", cleanName)

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")
		if cfg.Inheritance != nil {
			fmt.Printf("profile: %s\n", cfg.Inheritance.Profile)
		}

		fmt.Printf("\n[Audio]\n")
		printSetting("sample_rate", cfg.Audio.SampleRate, "audio.sample_rate")
		printSetting("channels", cfg.Audio.Channels, "audio.channels")
		printSetting("bit_depth", cfg.Audio.BitDepth, "audio.bit_depth")
		printSetting("block_size", cfg.Audio.BlockSize, "audio.block_size")
		printSetting("format", cfg.Audio.Format, "audio.format")
		printSetting("quality", cfg.Audio.Quality, "audio.quality")
		printSetting("ring_capacity", cfg.Audio.RingCapacity, "audio.ring_capacity")
		printSetting("flush_timeout", cfg.Audio.FlushTimeout, "audio.flush_timeout")
		printSetting("ffmpeg_path", cfg.Audio.FFmpegPath, "audio.ffmpeg_path")
		printSetting("device", cfg.Audio.Device, "audio.device")

		fmt.Printf("\n[MIDI]\n")
		printSetting("ticks_per_second", cfg.Midi.TicksPerSecond, "midi.ticks_per_second")
		printSetting("ticks_per_quarter_note", cfg.Midi.TicksPerQuarterNote, "midi.ticks_per_quarter_note")
		printSetting("event_capacity", cfg.Midi.EventCapacity, "midi.event_capacity")
		printSetting("input_port", cfg.Midi.InputPort, "midi.input_port")

		fmt.Printf("\n[Output]\n")
		printSetting("directory", cfg.Output.Directory, "output.directory")
		printSetting("name_format", cfg.Output.NameFormat, "output.name_format")

		fmt.Printf("\n[Server]\n")
		printSetting("port", cfg.Server.Port, "server.port")

		return nil
	},
}

func printSetting(name string, value interface{}, field string) {
	fmt.Printf("%s: %v %s\n", name, value, getInheritanceIndicator(cfg.Inheritance.Of(field)))
}

// cleanFileName replicates the session naming of the recorder
func cleanFileName(name string) string {
	// Allows: letters, numbers, spaces, hyphens, underscores
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "":
		return "[default]"
	default:
		return "[unknown]"
	}
}
