package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/castbridge/config"
	"github.com/onnwee/castbridge/eventlog"
	"github.com/onnwee/castbridge/obsws"
	"github.com/onnwee/castbridge/overlay"
	"github.com/onnwee/castbridge/scenemodel"
	"github.com/onnwee/castbridge/testutil"
)

// newTestDeps wires real components against mock upstreams.
func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	elog := eventlog.New(eventlog.DefaultCapacity)
	model := scenemodel.New()
	client := obsws.NewClient(elog)
	binder := scenemodel.Bind(client, model, elog)
	backend := testutil.NewMockBackend(t)
	t.Cleanup(client.Disconnect)
	return &Deps{
		Cfg: &config.Config{
			OBSAddress:     "ws://localhost:4455",
			BackendBaseURL: backend.URL,
			Overlay:        overlay.DefaultConfig(),
			HTTPAddr:       ":0",
		},
		Client:      client,
		Model:       model,
		Binder:      binder,
		Events:      elog,
		Backend:     &overlay.BackendClient{BaseURL: backend.URL},
		PollFeed:    overlay.NewFeed[overlay.PollView](),
		MetricsFeed: overlay.NewFeed[overlay.MetricsView](),
	}
}

func TestHealthzEndpoint(t *testing.T) {
	handler := NewMux(context.Background(), newTestDeps(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("healthz body = %q, want %q", string(body), "ok")
	}
}

func TestCORS(t *testing.T) {
	handler := NewMux(context.Background(), newTestDeps(t))

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		t.Errorf("OPTIONS request status = %d, want %d or %d", resp.StatusCode, http.StatusNoContent, http.StatusOK)
	}
	for _, h := range []string{
		"Access-Control-Allow-Origin",
		"Access-Control-Allow-Methods",
		"Access-Control-Allow-Headers",
	} {
		if resp.Header.Get(h) == "" {
			t.Errorf("missing CORS header: %s", h)
		}
	}
}

func TestCorrelationIDEcho(t *testing.T) {
	handler := NewMux(context.Background(), newTestDeps(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Result().Header.Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("X-Correlation-ID = %q, want corr-123", got)
	}
}

func TestStatusEndpoint(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model.ReplaceScenes([]string{"Main", "BRB"}, "Main")
	deps.Events.Append("boot")
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var out struct {
		OBS struct {
			State string `json:"state"`
		} `json:"obs"`
		Model struct {
			CurrentScene string `json:"currentScene"`
			SceneCount   int    `json:"sceneCount"`
		} `json:"model"`
		StreamLive   bool `json:"streamLive"`
		EventLogSize int  `json:"eventLogSize"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if out.OBS.State != "disconnected" {
		t.Errorf("obs state = %q, want disconnected", out.OBS.State)
	}
	if out.Model.CurrentScene != "Main" || out.Model.SceneCount != 2 {
		t.Errorf("model = %+v, want Main/2", out.Model)
	}
	if out.StreamLive {
		t.Error("streamLive = true before any stream event")
	}
	if out.EventLogSize != 1 {
		t.Errorf("eventLogSize = %d, want 1", out.EventLogSize)
	}
}

func TestEventsEndpointLimit(t *testing.T) {
	deps := newTestDeps(t)
	for i := 0; i < 5; i++ {
		deps.Events.Appendf("entry %d", i)
	}
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodGet, "/events?limit=2", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var entries []eventlog.Entry
	if err := json.NewDecoder(w.Result().Body).Decode(&entries); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[1].Message != "entry 4" {
		t.Errorf("last entry = %q, want entry 4", entries[1].Message)
	}
}

func TestOverlayPollLatest(t *testing.T) {
	deps := newTestDeps(t)
	handler := NewMux(context.Background(), deps)

	// No published state yet.
	req := httptest.NewRequest(http.MethodGet, "/overlay/poll", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Result().StatusCode; got != http.StatusNoContent {
		t.Fatalf("status before publish = %d, want %d", got, http.StatusNoContent)
	}

	deps.PollFeed.Publish(overlay.PollView{Question: "Next game?", Status: "active", TotalVotes: 3})

	req = httptest.NewRequest(http.MethodGet, "/overlay/poll", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after publish = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var view overlay.PollView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Question != "Next game?" || view.TotalVotes != 3 {
		t.Errorf("view = %+v, want published state", view)
	}
}

func TestOverlayPollStreamSSE(t *testing.T) {
	deps := newTestDeps(t)
	srv := httptest.NewServer(NewMux(context.Background(), deps))
	defer srv.Close()

	deps.PollFeed.Publish(overlay.PollView{Question: "First", Status: "active"})

	resp, err := http.Get(srv.URL + "/overlay/poll/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() overlay.PollView {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read SSE line: %v", err)
			}
			if strings.HasPrefix(line, "data: ") {
				var v overlay.PollView
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &v); err != nil {
					t.Fatalf("decode SSE event: %v", err)
				}
				return v
			}
		}
	}

	// Late joiner receives the latest state immediately.
	if v := readEvent(); v.Question != "First" {
		t.Fatalf("first event question = %q, want First", v.Question)
	}

	deps.PollFeed.Publish(overlay.PollView{Question: "Second", Status: "active"})
	if v := readEvent(); v.Question != "Second" {
		t.Fatalf("second event question = %q, want Second", v.Question)
	}
}

func TestOBSSceneRequiresConnection(t *testing.T) {
	handler := NewMux(context.Background(), newTestDeps(t))

	req := httptest.NewRequest(http.MethodPost, "/obs/scene", strings.NewReader(`{"sceneName":"BRB"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Result().StatusCode; got != http.StatusConflict {
		t.Errorf("scene switch while disconnected = %d, want %d", got, http.StatusConflict)
	}
}

func TestOBSConnectAndSceneSwitch(t *testing.T) {
	mock := testutil.NewMockOBS(t, "")
	deps := newTestDeps(t)
	handler := NewMux(context.Background(), deps)

	var switched atomic.Bool
	mock.Handle(obsws.RequestSetCurrentProgramScene, func(requestID string, data json.RawMessage) (any, string) {
		switched.Store(true)
		return map[string]any{}, ""
	})

	req := httptest.NewRequest(http.MethodPost, "/obs/connect",
		strings.NewReader(`{"address":"`+mock.WSURL()+`"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Result().StatusCode; got != http.StatusAccepted {
		t.Fatalf("connect status = %d, want %d", got, http.StatusAccepted)
	}

	waitFor(t, time.Second, func() bool { return deps.Client.State() == obsws.StateIdentified })
	// The handshake primes the scene mirror.
	waitFor(t, time.Second, func() bool { return deps.Model.CurrentScene() == "Main" })

	req = httptest.NewRequest(http.MethodPost, "/obs/scene", strings.NewReader(`{"sceneName":"BRB"}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Result().StatusCode; got != http.StatusOK {
		t.Fatalf("scene switch status = %d, want %d", got, http.StatusOK)
	}
	if !switched.Load() {
		t.Error("SetCurrentProgramScene never reached the server")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	deps := newTestDeps(t)
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	var cfg overlay.Config
	if err := json.NewDecoder(w.Result().Body).Decode(&cfg); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if cfg.RefreshIntervalMs != overlay.DefaultConfig().RefreshIntervalMs {
		t.Errorf("GET settings = %+v, want defaults", cfg)
	}

	cfg.CompactMode = true
	body, _ := json.Marshal(cfg)
	req = httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader(string(body)))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Result().StatusCode; got != http.StatusOK {
		t.Fatalf("POST settings status = %d", got)
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	handler := NewMux(context.Background(), newTestDeps(t))

	req := httptest.NewRequest(http.MethodGet, "/obs/connect", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Result().StatusCode; got != http.StatusMethodNotAllowed {
		t.Errorf("GET /obs/connect = %d, want %d", got, http.StatusMethodNotAllowed)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
