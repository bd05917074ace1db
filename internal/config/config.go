package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// ConfigProfile is one entry under configs:. Zero values mean "not set" and
// are inherited from the default profile.
type ConfigProfile struct {
	Audio  AudioConfig  `mapstructure:"audio" yaml:"audio"`
	Midi   MidiConfig   `mapstructure:"midi" yaml:"midi"`
	Output OutputConfig `mapstructure:"output" yaml:"output"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
}

type Config struct {
	Audio  AudioConfig  `mapstructure:"audio" yaml:"audio"`
	Midi   MidiConfig   `mapstructure:"midi" yaml:"midi"`
	Output OutputConfig `mapstructure:"output" yaml:"output"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// InheritanceInfo maps a dotted setting name (audio.sample_rate) to
// "inherited" or "profile-specific".
type InheritanceInfo struct {
	Profile string
	Fields  map[string]string
}

func (i *InheritanceInfo) Of(field string) string {
	if i == nil {
		return ""
	}
	return i.Fields[field]
}

type AudioConfig struct {
	SampleRate   int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels     int           `mapstructure:"channels" yaml:"channels"`
	BitDepth     int           `mapstructure:"bit_depth" yaml:"bit_depth"`
	BlockSize    int           `mapstructure:"block_size" yaml:"block_size"`
	Format       string        `mapstructure:"format" yaml:"format"`   // wav, ogg, mp3, flac, opus
	Quality      int           `mapstructure:"quality" yaml:"quality"` // 0-10, lossy codecs only
	RingCapacity int           `mapstructure:"ring_capacity" yaml:"ring_capacity"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout" yaml:"flush_timeout"`
	FFmpegPath   string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	Device       string        `mapstructure:"device" yaml:"device"` // capture device name, empty = system default
}

type MidiConfig struct {
	TicksPerSecond      float64 `mapstructure:"ticks_per_second" yaml:"ticks_per_second"`
	TicksPerQuarterNote int     `mapstructure:"ticks_per_quarter_note" yaml:"ticks_per_quarter_note"`
	EventCapacity       int     `mapstructure:"event_capacity" yaml:"event_capacity"`
	InputPort           string  `mapstructure:"input_port" yaml:"input_port"` // substring match, empty = first port
}

type OutputConfig struct {
	Directory  string `mapstructure:"directory" yaml:"directory"`
	NameFormat string `mapstructure:"name_format" yaml:"name_format"` // Go time layout for session names
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

var supportedFormats = []string{"wav", "ogg", "mp3", "flac", "opus"}

var defaultConfig = Config{
	Audio: AudioConfig{
		SampleRate:   48000,
		Channels:     1,
		BitDepth:     16,
		BlockSize:    512,
		Format:       "ogg",
		Quality:      8,
		RingCapacity: 32768,
		FlushTimeout: 10 * time.Second,
		FFmpegPath:   "ffmpeg",
	},
	Midi: MidiConfig{
		TicksPerSecond:      192,
		TicksPerQuarterNote: 96,
		EventCapacity:       65536,
	},
	Output: OutputConfig{
		Directory:  "~/Music/AudioMidiRecordings",
		NameFormat: "2006-01-02_15-04-05",
	},
	Server: ServerConfig{
		Port: 8080,
	},
}

// DefaultPath returns $HOME/.config/jamrec.yaml
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/jamrec.yaml")
}

// Default returns the built-in configuration with paths expanded.
func Default() *Config {
	c := defaultConfig
	c.Output.Directory = expandPath(c.Output.Directory)
	c.Inheritance = &InheritanceInfo{Profile: "built-in", Fields: map[string]string{}}
	return &c
}

// LoadOrDefault loads configFile when it exists and falls back to the
// built-in defaults when it does not.
func LoadOrDefault(configFile, profile string) (*Config, error) {
	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return LoadWithProfile(configFile, profile)
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := readRootConfig(configFile)
	if err != nil {
		return nil, err
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selected, exists := rootConfig.Configs[configName]
	if !exists {
		if configName != "default" || len(rootConfig.Configs) > 0 {
			return nil, fmt.Errorf("configuration profile '%s' not found", configName)
		}
		selected = &ConfigProfile{}
	}

	// Built-in values sit below the default profile, which sits below the
	// selected profile.
	base := defaultConfig
	if def, ok := rootConfig.Configs["default"]; ok && configName != "default" {
		base = *mergeConfigs(&base, def, "default")
	}
	result := mergeConfigs(&base, selected, configName)

	result.Output.Directory = expandPath(result.Output.Directory)
	result.Audio.FFmpegPath = expandPath(result.Audio.FFmpegPath)

	if err := Validate(result); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return result, nil
}

func readRootConfig(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// Set environment variable prefix
	v.SetEnvPrefix("JAMREC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	for name, p := range rootConfig.Configs {
		if p == nil {
			rootConfig.Configs[name] = &ConfigProfile{}
		}
	}
	return &rootConfig, nil
}

// UpdateActiveConfig rewrites the active_config field in the config file.
// Only that scalar is touched so the rest of the document, including empty
// profiles and comments, survives the round-trip.
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	rootConfig, err := readRootConfig(configFile)
	if err != nil {
		return err
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	info, err := os.Stat(configFile)
	if err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", configFile, err)
	}
	if err := setActiveConfig(&doc, newActiveConfig); err != nil {
		return fmt.Errorf("error updating config file %s: %w", configFile, err)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("error encoding config file %s: %w", configFile, err)
	}
	if err := os.WriteFile(configFile, out, info.Mode().Perm()); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// setActiveConfig replaces (or appends) the top-level active_config scalar.
func setActiveConfig(doc *yaml.Node, name string) error {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return errors.New("empty document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return errors.New("top level is not a mapping")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "active_config" {
			root.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name}
			return nil
		}
	}
	root.Content = append([]*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "active_config"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
	}, root.Content...)
	return nil
}

// ListProfiles returns the profile names defined in configFile and the active one
func ListProfiles(configFile string) ([]string, string, error) {
	rootConfig, err := readRootConfig(configFile)
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(rootConfig.Configs))
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, rootConfig.ActiveConfig, nil
}

// mergeConfigs overlays every non-zero setting of profile on base and
// records where each value came from.
func mergeConfigs(base *Config, profile *ConfigProfile, profileName string) *Config {
	result := *base
	result.Inheritance = &InheritanceInfo{Profile: profileName, Fields: map[string]string{}}
	if profile == nil {
		profile = &ConfigProfile{}
	}

	track := func(field string, set bool) {
		if set {
			result.Inheritance.Fields[field] = "profile-specific"
		} else {
			result.Inheritance.Fields[field] = "inherited"
		}
	}

	p := profile.Audio
	track("audio.sample_rate", overrideInt(&result.Audio.SampleRate, p.SampleRate))
	track("audio.channels", overrideInt(&result.Audio.Channels, p.Channels))
	track("audio.bit_depth", overrideInt(&result.Audio.BitDepth, p.BitDepth))
	track("audio.block_size", overrideInt(&result.Audio.BlockSize, p.BlockSize))
	track("audio.format", overrideString(&result.Audio.Format, strings.ToLower(p.Format)))
	track("audio.quality", overrideInt(&result.Audio.Quality, p.Quality))
	track("audio.ring_capacity", overrideInt(&result.Audio.RingCapacity, p.RingCapacity))
	if p.FlushTimeout != 0 {
		result.Audio.FlushTimeout = p.FlushTimeout
	}
	track("audio.flush_timeout", p.FlushTimeout != 0)
	track("audio.ffmpeg_path", overrideString(&result.Audio.FFmpegPath, p.FFmpegPath))
	track("audio.device", overrideString(&result.Audio.Device, p.Device))

	m := profile.Midi
	if m.TicksPerSecond != 0 {
		result.Midi.TicksPerSecond = m.TicksPerSecond
	}
	track("midi.ticks_per_second", m.TicksPerSecond != 0)
	track("midi.ticks_per_quarter_note", overrideInt(&result.Midi.TicksPerQuarterNote, m.TicksPerQuarterNote))
	track("midi.event_capacity", overrideInt(&result.Midi.EventCapacity, m.EventCapacity))
	track("midi.input_port", overrideString(&result.Midi.InputPort, m.InputPort))

	track("output.directory", overrideString(&result.Output.Directory, profile.Output.Directory))
	track("output.name_format", overrideString(&result.Output.NameFormat, profile.Output.NameFormat))

	track("server.port", overrideInt(&result.Server.Port, profile.Server.Port))

	return &result
}

func overrideInt(dst *int, v int) bool {
	if v == 0 {
		return false
	}
	*dst = v
	return true
}

func overrideString(dst *string, v string) bool {
	if v == "" {
		return false
	}
	*dst = v
	return true
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks a resolved configuration
func Validate(c *Config) error {
	if err := validateAudio(c.Audio); err != nil {
		return err
	}
	if err := validateMidi(c.Midi); err != nil {
		return err
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if c.Output.NameFormat == "" {
		return fmt.Errorf("output.name_format is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}
	return nil
}

func validateAudio(a AudioConfig) error {
	if a.SampleRate < 8000 || a.SampleRate > 384000 {
		return fmt.Errorf("audio.sample_rate must be between 8000 and 384000, got: %d", a.SampleRate)
	}
	if a.Channels < 1 || a.Channels > 8 {
		return fmt.Errorf("audio.channels must be between 1 and 8, got: %d", a.Channels)
	}
	if a.BitDepth != 16 && a.BitDepth != 24 {
		return fmt.Errorf("audio.bit_depth must be 16 or 24, got: %d", a.BitDepth)
	}
	if a.BlockSize <= 0 {
		return fmt.Errorf("audio.block_size must be > 0, got: %d", a.BlockSize)
	}
	if !slices.Contains(supportedFormats, a.Format) {
		return fmt.Errorf("audio.format must be one of %s, got: %s", strings.Join(supportedFormats, ", "), a.Format)
	}
	if a.Quality < 0 || a.Quality > 10 {
		return fmt.Errorf("audio.quality must be between 0 and 10, got: %d", a.Quality)
	}
	if a.RingCapacity < a.BlockSize {
		return fmt.Errorf("audio.ring_capacity must hold at least one block (%d frames), got: %d", a.BlockSize, a.RingCapacity)
	}
	if a.FlushTimeout <= 0 {
		return fmt.Errorf("audio.flush_timeout must be > 0, got: %s", a.FlushTimeout)
	}
	return nil
}

func validateMidi(m MidiConfig) error {
	if m.TicksPerSecond <= 0 {
		return fmt.Errorf("midi.ticks_per_second must be > 0, got: %g", m.TicksPerSecond)
	}
	if m.TicksPerQuarterNote < 1 || m.TicksPerQuarterNote > 32767 {
		return fmt.Errorf("midi.ticks_per_quarter_note must be between 1 and 32767, got: %d", m.TicksPerQuarterNote)
	}
	if m.EventCapacity < 0 {
		return fmt.Errorf("midi.event_capacity must be >= 0, got: %d", m.EventCapacity)
	}
	return nil
}
