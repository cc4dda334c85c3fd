// Package testutil provides mock servers for tests: a dashboard backend
// serving snapshot endpoints, and a scripted OBS WebSocket control server.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockBackend mocks the dashboard backend's overlay endpoints.
type MockBackend struct {
	*httptest.Server

	mu            sync.Mutex
	pollBody      any
	metricsBody   any
	pollStatus    int
	metricsStatus int
	savedSettings []json.RawMessage
	saveResponse  any
}

// NewMockBackend starts a backend mock serving empty-but-successful
// snapshots until programmed otherwise.
func NewMockBackend(t *testing.T) *MockBackend {
	t.Helper()
	m := &MockBackend{
		pollBody:      map[string]any{"success": true, "poll": map[string]any{}},
		metricsBody:   map[string]any{"success": true},
		pollStatus:    http.StatusOK,
		metricsStatus: http.StatusOK,
		saveResponse:  map[string]any{"success": true},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/overlay/poll", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		status, body := m.pollStatus, m.pollBody
		m.mu.Unlock()
		writeJSON(w, status, body)
	})
	mux.HandleFunc("/api/overlay/metrics", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		status, body := m.metricsStatus, m.metricsBody
		m.mu.Unlock()
		writeJSON(w, status, body)
	})
	mux.HandleFunc("/api/overlay/settings", func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&raw)
		m.mu.Lock()
		m.savedSettings = append(m.savedSettings, raw)
		body := m.saveResponse
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, body)
	})
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// SetPoll programs the poll snapshot endpoint response.
func (m *MockBackend) SetPoll(status int, body any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollStatus = status
	m.pollBody = body
}

// SetMetrics programs the metrics snapshot endpoint response.
func (m *MockBackend) SetMetrics(status int, body any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metricsStatus = status
	m.metricsBody = body
}

// SetSaveResponse programs the settings-save endpoint response.
func (m *MockBackend) SetSaveResponse(body any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveResponse = body
}

// SavedSettings returns the raw bodies posted to the settings endpoint.
func (m *MockBackend) SavedSettings() []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]json.RawMessage, len(m.savedSettings))
	copy(out, m.savedSettings)
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
}
