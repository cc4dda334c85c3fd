package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockOBS is a scripted OBS WebSocket control server. It performs the
// Hello/Identify handshake (with challenge verification when a password is
// set), answers requests through programmable handlers, and can push raw
// frames for protocol edge cases.
type MockOBS struct {
	*httptest.Server

	password  string
	challenge string
	salt      string

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	handlers map[string]RequestHandler
	silent   map[string]bool
}

// RequestHandler answers one request type. Returning a non-empty comment
// makes the response a typed error.
type RequestHandler func(requestID string, data json.RawMessage) (result any, comment string)

// NewMockOBS starts a mock control server. A non-empty password makes the
// Hello carry an authentication challenge that Identify must answer.
func NewMockOBS(t *testing.T, password string) *MockOBS {
	t.Helper()
	m := &MockOBS{
		password:  password,
		challenge: "mock-challenge",
		salt:      "mock-salt",
		handlers:  make(map[string]RequestHandler),
		silent:    make(map[string]bool),
	}
	m.Handle("GetSceneList", func(string, json.RawMessage) (any, string) {
		return map[string]any{
			"currentProgramSceneName": "Main",
			"scenes": []map[string]any{
				{"sceneName": "Main"},
				{"sceneName": "BRB"},
			},
		}, ""
	})
	m.Handle("GetSceneItemList", func(string, json.RawMessage) (any, string) {
		return map[string]any{
			"sceneItems": []map[string]any{
				{"sceneItemId": 1, "sourceName": "webcam", "inputKind": "video_capture", "sceneItemEnabled": true},
			},
		}, ""
	})

	upgrader := websocket.Upgrader{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.serve(conn)
	}))
	t.Cleanup(m.Close)
	return m
}

// WSURL returns the ws:// address of the mock server.
func (m *MockOBS) WSURL() string {
	return "ws" + strings.TrimPrefix(m.Server.URL, "http")
}

// Handle programs the responder for a request type.
func (m *MockOBS) Handle(requestType string, h RequestHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[requestType] = h
}

// Silence makes the server swallow requests of the given type, so clients
// hit their timeout path.
func (m *MockOBS) Silence(requestType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent[requestType] = true
}

// SendFrame pushes a raw frame to the most recent connection.
func (m *MockOBS) SendFrame(op int, d any) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	frame, _ := json.Marshal(map[string]any{"op": op, "d": d})
	m.writeMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, frame)
	m.writeMu.Unlock()
}

// SendRaw pushes arbitrary bytes, for malformed-frame cases.
func (m *MockOBS) SendRaw(data []byte) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	m.writeMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
}

// SendEvent pushes an event frame.
func (m *MockOBS) SendEvent(eventType string, data map[string]any) {
	d := map[string]any{"eventType": eventType}
	if data != nil {
		d["eventData"] = data
	}
	m.SendFrame(0, d)
}

// CloseActive drops the current connection, simulating a transport failure.
func (m *MockOBS) CloseActive() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *MockOBS) serve(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	hello := map[string]any{"obsWebSocketVersion": "5.3.3", "rpcVersion": 1}
	if m.password != "" {
		hello["authentication"] = map[string]any{"challenge": m.challenge, "salt": m.salt}
	}
	m.SendFrame(1, hello)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Op *int            `json:"op"`
			D  json.RawMessage `json:"d"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Op == nil {
			continue
		}
		switch *env.Op {
		case 1: // Identify
			if m.password != "" && !m.verifyAuth(env.D) {
				m.writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(4009, "authentication failed"), time.Now().Add(time.Second))
				m.writeMu.Unlock()
				_ = conn.Close()
				return
			}
			m.SendFrame(2, map[string]any{"negotiatedRpcVersion": 1})
		case 6: // Request
			m.handleRequest(env.D)
		}
	}
}

func (m *MockOBS) verifyAuth(raw json.RawMessage) bool {
	var identify struct {
		Authentication string `json:"authentication"`
	}
	if err := json.Unmarshal(raw, &identify); err != nil {
		return false
	}
	secret := sha256.Sum256([]byte(m.password + m.salt))
	proof := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString(secret[:]) + m.challenge))
	return identify.Authentication == base64.StdEncoding.EncodeToString(proof[:])
}

func (m *MockOBS) handleRequest(raw json.RawMessage) {
	var req struct {
		RequestType string          `json:"requestType"`
		RequestID   string          `json:"requestId"`
		RequestData json.RawMessage `json:"requestData"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	m.mu.Lock()
	h := m.handlers[req.RequestType]
	quiet := m.silent[req.RequestType]
	m.mu.Unlock()
	if quiet {
		return
	}

	status := map[string]any{"result": true, "code": 100}
	var result any
	if h == nil {
		status = map[string]any{"result": false, "code": 204, "comment": "unknown request type"}
	} else if res, comment := h(req.RequestID, req.RequestData); comment != "" {
		status = map[string]any{"result": false, "code": 500, "comment": comment}
	} else {
		result = res
	}
	d := map[string]any{
		"requestType":   req.RequestType,
		"requestId":     req.RequestID,
		"requestStatus": status,
	}
	if result != nil {
		d["responseData"] = result
	}
	m.SendFrame(7, d)
}
