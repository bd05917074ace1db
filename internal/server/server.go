package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/audiolibrelab/jamrec/internal/audio"
	"github.com/audiolibrelab/jamrec/internal/service"
)

const shutdownTimeout = 15 * time.Second

// Server exposes the recorder over HTTP
type Server struct {
	service  service.Service
	fs       afero.Fs
	gatherer prometheus.Gatherer
	port     string
	mux      *http.ServeMux
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Detail  service.Status `json:"detail"`
}

// RecordingsResponse represents the JSON response for recordings endpoint
type RecordingsResponse struct {
	Recordings      []service.RecordingInfo `json:"recordings"`
	TotalCount      int                     `json:"total_count"`
	OutputDirectory string                  `json:"output_directory"`
}

// New creates a new web server instance. gatherer may be nil, in which case
// /metrics is not served.
func New(svc service.Service, fsys afero.Fs, gatherer prometheus.Gatherer, port string) *Server {
	s := &Server{
		service:  svc,
		fs:       fsys,
		gatherer: gatherer,
		port:     port,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/start", s.handleStart)
	s.mux.HandleFunc("/stop", s.handleStop)
	s.mux.HandleFunc("/api/recordings", s.handleRecordings)
	s.mux.HandleFunc("/api/recordings/stream/", s.handleRecordingStream)
	if s.gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the HTTP handler serving every endpoint
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting JamRec Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("Web server stopped")
	return nil
}

// handleStart starts a recording session. With a stream form value only that
// stream is started, into the given path.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	if stream := r.FormValue("stream"); stream != "" {
		kind, err := audio.ParseStreamKind(stream)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "start_stream")
			return
		}
		path := r.FormValue("path")
		if path == "" {
			s.sendErrorResponse(w, http.StatusBadRequest, "Path is required", "operation", "start_stream")
			return
		}
		if err := s.service.StartRecording(kind, path); err != nil {
			s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err),
				"stream", kind, "path", path, "operation", "start_stream")
			return
		}
		sendJSON(w, map[string]interface{}{
			"success": true,
			"message": "Recording started",
			"stream":  kind,
			"path":    path,
		})
		return
	}

	songName := r.FormValue("song")
	slog.Debug("Start request received", "song", songName)
	session, err := s.service.StartSession(songName)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err),
			"song_name", songName, "operation", "start_session")
		return
	}
	sendJSON(w, map[string]interface{}{
		"success": true,
		"message": "Recording started",
		"session": session,
	})
}

// handleStop stops the current recording session, or a single stream
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	if stream := r.FormValue("stream"); stream != "" {
		kind, err := audio.ParseStreamKind(stream)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "stop_stream")
			return
		}
		if err := s.service.StopRecording(kind); err != nil {
			s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to stop recording: %v", err),
				"stream", kind, "operation", "stop_stream")
			return
		}
		sendJSON(w, map[string]interface{}{
			"success": true,
			"message": "Recording stopped",
			"stream":  kind,
		})
		return
	}

	session, err := s.service.StopSession()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_session")
		return
	}
	message := "Recording stopped"
	if session == nil {
		message = "No recording in progress"
	}
	sendJSON(w, map[string]interface{}{
		"success": true,
		"message": message,
		"session": session,
	})
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status := s.service.GetStatus()
	sendJSON(w, StatusResponse{
		Status:  string(status.State),
		Message: generateStatusMessage(status),
		Detail:  status,
	})
}

// handleRecordings lists recorded takes, newest first
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "list_recordings")
		return
	}
	if recordings == nil {
		recordings = []service.RecordingInfo{}
	}
	sendJSON(w, RecordingsResponse{
		Recordings:      recordings,
		TotalCount:      len(recordings),
		OutputDirectory: s.service.GetConfig().Output.Directory,
	})
}

// handleRecordingStream serves a recorded audio or MIDI file
func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/api/recordings/stream/")
	if filename == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}
	// Validate filename (prevent path traversal)
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, "/\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	filePath := filepath.Join(s.service.GetConfig().Output.Directory, filename)
	info, err := s.fs.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}

	ext := strings.ToLower(filepath.Ext(filename))
	contentType, ok := contentTypes[ext]
	if !ok {
		http.Error(w, "File type not supported", http.StatusForbidden)
		return
	}

	file, err := s.fs.Open(filePath)
	if err != nil {
		http.Error(w, "Error opening file", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, filename, info.ModTime(), file)
}

var contentTypes = map[string]string{
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".mid":  "audio/midi",
}

func generateStatusMessage(status service.Status) string {
	switch status.State {
	case service.StatusRecording:
		if status.Session != nil {
			return fmt.Sprintf("Recording in progress - %s", status.Session.Name)
		}
		return "Recording in progress"
	case service.StatusError:
		if status.LastError != "" {
			return status.LastError
		}
		return "An error occurred during the operation"
	}
	return ""
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, audio.ErrCodecUnsupported), errors.Is(err, audio.ErrUnknownStream):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrDestinationUnwritable), errors.Is(err, audio.ErrAlreadyRecording):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
