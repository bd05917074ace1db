package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/audiolibrelab/jamrec/internal/audio"
	"github.com/audiolibrelab/jamrec/internal/codec"
	"github.com/audiolibrelab/jamrec/internal/config"
	"github.com/audiolibrelab/jamrec/internal/metrics"
	"github.com/audiolibrelab/jamrec/internal/play"
)

// Service represents the core jamrec service interface
type Service interface {
	// Session operations: one audio file and one MIDI file sharing a name
	StartSession(name string) (*SessionInfo, error)
	StopSession() (*SessionInfo, error)

	// Per stream operations
	StartRecording(kind audio.StreamKind, path string) error
	StopRecording(kind audio.StreamKind) error
	GetStatus() Status

	// Playback operations
	Play(name string) error

	// Pipeline operations
	RunPipeline(ctx context.Context, name string, steps string) error

	// Information operations
	ListRecordings() ([]RecordingInfo, error)
	GetConfig() *config.Config
	GetLastError() string
}

// RecordingStatus represents the current recording state
type RecordingStatus string

const (
	StatusIdle      RecordingStatus = "IDLE"
	StatusRecording RecordingStatus = "RECORDING"
	StatusError     RecordingStatus = "ERROR"
)

// SessionInfo contains information about a recording session
type SessionInfo struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time,omitzero"`
	AudioFile string          `json:"audio_file"`
	MidiFile  string          `json:"midi_file"`
	Format    codec.Format    `json:"format"`
	Frames    int64           `json:"frames,omitempty"`
	Dropped   int64           `json:"dropped,omitempty"`
	Engine    *audio.Snapshot `json:"-"`
}

// Status is the service level view of the engine
type Status struct {
	State     RecordingStatus `json:"state"`
	Session   *SessionInfo    `json:"session,omitempty"`
	Last      *SessionInfo    `json:"last_session,omitempty"`
	Engine    audio.Snapshot  `json:"engine"`
	LastError string          `json:"last_error,omitempty"`
}

// RecordingInfo describes one recorded take on disk
type RecordingInfo struct {
	Name         string    `json:"name"`
	AudioFile    string    `json:"audio_file,omitempty"`
	MidiFile     string    `json:"midi_file,omitempty"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
}

// JamRecService is the main service implementation
type JamRecService struct {
	cfg        *config.Config
	fs         afero.Fs
	controller *audio.Controller
	now        func() time.Time

	mu      sync.Mutex
	session *SessionInfo
	last    *SessionInfo

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

var _ Service = (*JamRecService)(nil)

// New creates a service backed by a fresh controller writing through fsys
func New(cfg *config.Config, fsys afero.Fs, m *metrics.RecorderMetrics) *JamRecService {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &JamRecService{
		cfg:        cfg,
		fs:         fsys,
		controller: audio.NewController(fsys, codec.DefaultRegistry(cfg.Audio.FFmpegPath), ControllerOptions(cfg, m)),
		now:        time.Now,
	}
}

// ControllerOptions maps the resolved configuration onto controller options
func ControllerOptions(cfg *config.Config, m *metrics.RecorderMetrics) audio.Options {
	return audio.Options{
		Params: codec.Params{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			BitDepth:   cfg.Audio.BitDepth,
			Quality:    cfg.Audio.Quality,
		},
		CapacityFrames:      cfg.Audio.RingCapacity,
		FlushTimeout:        cfg.Audio.FlushTimeout,
		TicksPerSecond:      cfg.Midi.TicksPerSecond,
		TicksPerQuarterNote: uint16(cfg.Midi.TicksPerQuarterNote),
		MidiEventCapacity:   cfg.Midi.EventCapacity,
		Metrics:             m,
	}
}

// Processor returns the block processor hosts should drive
func (s *JamRecService) Processor() audio.Processor {
	return s.controller
}

// StartSession starts audio and MIDI recording into a new pair of files. An
// empty name uses the configured timestamp layout. If a file with the chosen
// name already exists a numeric suffix is added.
func (s *JamRecService) StartSession(name string) (*SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		slog.Debug("Service.StartSession ignored, session running", "session", s.session.Name)
		return s.session, nil
	}
	s.clearLastError()

	// A single-stream recording owns its stream until it is stopped.
	snap := s.controller.Status()
	for _, st := range []struct {
		kind audio.StreamKind
		s    audio.StreamStatus
	}{{audio.StreamAudio, snap.Audio}, {audio.StreamMidi, snap.Midi}} {
		if st.s.Status == audio.StatusRecording {
			err := fmt.Errorf("%w: %s stream is recording to %s", audio.ErrAlreadyRecording, st.kind, st.s.Path)
			s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
			return nil, err
		}
	}

	dir := s.cfg.Output.Directory
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		err = fmt.Errorf("%w: failed to create output directory: %v", audio.ErrDestinationUnwritable, err)
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}

	start := s.now()
	base := cleanFileName(name)
	if base == "" {
		base = start.Format(s.cfg.Output.NameFormat)
	}
	format := codec.Format(s.cfg.Audio.Format)
	base = s.nonexistentBase(dir, base, string(format))

	session := &SessionInfo{
		ID:        uuid.NewString(),
		Name:      base,
		StartTime: start,
		AudioFile: filepath.Join(dir, base+"."+string(format)),
		MidiFile:  filepath.Join(dir, base+".mid"),
		Format:    format,
	}

	if err := s.controller.StartAudio(session.AudioFile); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}
	if err := s.controller.StartMidi(session.MidiFile); err != nil {
		if stopErr := s.controller.StopAudio(); stopErr != nil {
			slog.Warn("Failed to roll back audio recording", "error", stopErr)
		}
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}

	s.session = session
	slog.Info("Recording session started", "session", session.Name, "id", session.ID,
		"audio", session.AudioFile, "midi", session.MidiFile)
	return session, nil
}

// StopSession stops both recorders and finalizes the files. Stopping without
// a running session returns nil, nil.
func (s *JamRecService) StopSession() (*SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		slog.Debug("Service.StopSession ignored, no session running")
		return nil, nil
	}

	err := errors.Join(s.controller.StopMidi(), s.controller.StopAudio())

	session := s.session
	snap := s.controller.Status()
	session.EndTime = s.now()
	session.Frames = snap.Frames.Written
	session.Dropped = snap.Frames.Dropped
	session.Engine = &snap
	s.last = session
	s.session = nil

	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return session, err
	}
	s.clearLastError()
	slog.Info("Recording session stopped", "session", session.Name,
		"duration", session.EndTime.Sub(session.StartTime).Round(time.Millisecond),
		"frames", session.Frames, "dropped", session.Dropped)
	return session, nil
}

func (s *JamRecService) nonexistentBase(dir, base, ext string) string {
	taken := func(b string) bool {
		for _, p := range []string{filepath.Join(dir, b+"."+ext), filepath.Join(dir, b+".mid")} {
			if ok, _ := afero.Exists(s.fs, p); ok {
				return true
			}
		}
		return false
	}
	if !taken(base) {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if !taken(candidate) {
			return candidate
		}
	}
}

// StartRecording starts a single stream into an explicit path
func (s *JamRecService) StartRecording(kind audio.StreamKind, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.controller.StartRecording(kind, path); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start %s recording: %v", kind, err))
		return err
	}
	return nil
}

// StopRecording stops a single stream
func (s *JamRecService) StopRecording(kind audio.StreamKind) error {
	if err := s.controller.StopRecording(kind); err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop %s recording: %v", kind, err))
		return err
	}
	return nil
}

// GetStatus returns the current recording state
func (s *JamRecService) GetStatus() Status {
	snap := s.controller.Status()

	s.mu.Lock()
	st := Status{
		Session: s.session,
		Last:    s.last,
		Engine:  snap,
	}
	s.mu.Unlock()

	st.LastError = s.GetLastError()
	switch {
	case snap.Audio.Status == audio.StatusRecording || snap.Midi.Status == audio.StatusRecording:
		st.State = StatusRecording
	case st.LastError != "":
		st.State = StatusError
	default:
		st.State = StatusIdle
	}
	return st
}

// Play plays the audio file of a recording; an empty name plays the last session
func (s *JamRecService) Play(name string) error {
	file, err := s.resolveAudioFile(name)
	if err != nil {
		return err
	}
	return play.New().Play(file)
}

func (s *JamRecService) resolveAudioFile(name string) (string, error) {
	if name == "" {
		s.mu.Lock()
		last := s.last
		s.mu.Unlock()
		if last == nil {
			return "", fmt.Errorf("no recording to play")
		}
		return last.AudioFile, nil
	}

	recordings, err := s.ListRecordings()
	if err != nil {
		return "", err
	}
	clean := cleanFileName(name)
	for _, r := range recordings {
		if (r.Name == name || r.Name == clean) && r.AudioFile != "" {
			return r.AudioFile, nil
		}
	}
	return "", fmt.Errorf("recording not found: %s", name)
}

// RunPipeline executes a sequence of operations (r=record, p=play). The
// record step runs until ctx is cancelled.
func (s *JamRecService) RunPipeline(ctx context.Context, name string, steps string) error {
	for _, step := range steps {
		switch step {
		case 'r':
			session, err := s.StartSession(name)
			if err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
			fmt.Printf("Recording %s (press Ctrl+C to stop)\n", session.Name)
			<-ctx.Done()
			if _, err := s.StopSession(); err != nil {
				return fmt.Errorf("pipeline stop failed: %w", err)
			}
			name = session.Name
		case 'p':
			if err := s.Play(name); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: r=record, p=play)", step)
		}
	}
	return nil
}

// ListRecordings returns the takes in the output directory, newest first
func (s *JamRecService) ListRecordings() ([]RecordingInfo, error) {
	dir := s.cfg.Output.Directory
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	byName := map[string]*RecordingInfo{}
	for _, info := range entries {
		if info.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(info.Name()))
		base := strings.TrimSuffix(info.Name(), filepath.Ext(info.Name()))

		rec, ok := byName[base]
		if !ok {
			rec = &RecordingInfo{Name: base}
			byName[base] = rec
		}
		path := filepath.Join(dir, info.Name())
		switch {
		case ext == ".mid":
			rec.MidiFile = path
		case isAudioExt(ext):
			rec.AudioFile = path
		default:
			continue
		}
		rec.Size += info.Size()
		if info.ModTime().After(rec.ModTime) {
			rec.ModTime = info.ModTime()
		}
	}

	recordings := make([]RecordingInfo, 0, len(byName))
	for _, rec := range byName {
		if rec.AudioFile == "" && rec.MidiFile == "" {
			continue
		}
		rec.SizeHuman = formatBytes(rec.Size)
		rec.ModTimeHuman = rec.ModTime.Format("2006-01-02 15:04:05")
		recordings = append(recordings, *rec)
	}
	sort.Slice(recordings, func(i, j int) bool {
		if recordings[i].ModTime.Equal(recordings[j].ModTime) {
			return recordings[i].Name > recordings[j].Name
		}
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})
	return recordings, nil
}

func isAudioExt(ext string) bool {
	_, err := codec.FormatFromPath("x" + ext)
	return err == nil
}

// GetConfig returns the current configuration
func (s *JamRecService) GetConfig() *config.Config {
	return s.cfg
}

// Close stops any running session
func (s *JamRecService) Close() error {
	_, err := s.StopSession()
	return errors.Join(err, s.controller.Close())
}

// GetLastError returns the last error message (thread-safe)
func (s *JamRecService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *JamRecService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	// Log all errors for debugging and monitoring
	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *JamRecService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// Helper functions

// cleanFileName keeps letters, digits, spaces, hyphens and underscores and
// replaces spaces with underscores
func cleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
