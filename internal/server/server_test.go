package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/audiolibrelab/jamrec/internal/config"
	"github.com/audiolibrelab/jamrec/internal/metrics"
	"github.com/audiolibrelab/jamrec/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T) (*Server, afero.Fs) {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.Format = "wav"
	cfg.Output.Directory = "/rec"

	registry := prometheus.NewRegistry()
	m, err := metrics.NewRecorderMetrics(registry)
	require.NoError(t, err)

	fsys := afero.NewMemMapFs()
	svc := service.New(cfg, fsys, m)
	t.Cleanup(func() { _ = svc.Close() })
	return New(svc, fsys, registry, "0"), fsys
}

func do(t *testing.T, s *Server, method, target string, form url.Values) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestSessionOverHTTP(t *testing.T) {
	s, fsys := newTestServer(t)

	rec, body := do(t, s, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "IDLE", body["status"])

	rec, body = do(t, s, http.MethodPost, "/start", url.Values{"song": {"Night Jam"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	session := body["session"].(map[string]interface{})
	assert.Equal(t, "Night_Jam", session["name"])

	rec, body = do(t, s, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RECORDING", body["status"])
	assert.Equal(t, "Recording in progress - Night_Jam", body["message"])

	rec, body = do(t, s, http.MethodPost, "/stop", url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Recording stopped", body["message"])

	rec, body = do(t, s, http.MethodPost, "/stop", url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "No recording in progress", body["message"])

	for _, f := range []string{"/rec/Night_Jam.wav", "/rec/Night_Jam.mid"} {
		ok, err := afero.Exists(fsys, f)
		require.NoError(t, err)
		assert.True(t, ok, f)
	}

	rec, body = do(t, s, http.MethodGet, "/api/recordings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total_count"])
	assert.Equal(t, "/rec", body["output_directory"])
}

func TestSingleStreamOverHTTP(t *testing.T) {
	s, fsys := newTestServer(t)
	require.NoError(t, fsys.MkdirAll("/rec", 0o755))

	rec, body := do(t, s, http.MethodPost, "/start", url.Values{"stream": {"midi"}, "path": {"/rec/solo.mid"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "midi", body["stream"])

	rec, body = do(t, s, http.MethodPost, "/start", url.Values{"song": {"take"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = do(t, s, http.MethodPost, "/stop", url.Values{"stream": {"midi"}})
	require.Equal(t, http.StatusOK, rec.Code)

	ok, err := afero.Exists(fsys, "/rec/solo.mid")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequestErrors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		form   url.Values
		code   int
	}{
		{"start with GET", http.MethodGet, "/start", nil, http.StatusMethodNotAllowed},
		{"stop with GET", http.MethodGet, "/stop", nil, http.StatusMethodNotAllowed},
		{"status with POST", http.MethodPost, "/status", url.Values{}, http.StatusMethodNotAllowed},
		{"unknown stream", http.MethodPost, "/start", url.Values{"stream": {"video"}}, http.StatusBadRequest},
		{"stream without path", http.MethodPost, "/start", url.Values{"stream": {"audio"}}, http.StatusBadRequest},
		{"unsupported format", http.MethodPost, "/start", url.Values{"stream": {"audio"}, "path": {"/rec/a.aiff"}}, http.StatusBadRequest},
		{"stop unknown stream", http.MethodPost, "/stop", url.Values{"stream": {"video"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, s, tt.method, tt.target, tt.form)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRecordingStream(t *testing.T) {
	s, fsys := newTestServer(t)
	require.NoError(t, afero.WriteFile(fsys, "/rec/take.mid", []byte("MThd"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/rec/notes.txt", []byte("x"), 0o644))

	rec, _ := do(t, s, http.MethodGet, "/api/recordings/stream/take.mid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/midi", rec.Header().Get("Content-Type"))
	assert.Equal(t, "MThd", rec.Body.String())

	rec, _ = do(t, s, http.MethodGet, "/api/recordings/stream/missing.wav", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/api/recordings/stream/notes.txt", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/api/recordings/stream/bad..name", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec, _ := do(t, s, http.MethodPost, "/start", url.Values{"song": {"m"}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, s, http.MethodPost, "/stop", url.Values{})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jamrec_sessions_total{operation="start",result="success",stream="audio"} 1`)
}
