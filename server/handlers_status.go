package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/castbridge/obsws"
)

// HandleHealthz responds to liveness probe requests.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"config", func() error {
			if h.deps.Cfg == nil {
				return fmt.Errorf("configuration not loaded")
			}
			return nil
		}},
		{"obs", func() error {
			// A bridge started without auto-connect is ready before the
			// operator connects; with auto-connect, readiness means the
			// handshake completed.
			if h.deps.Cfg != nil && h.deps.Cfg.AutoConnect && h.deps.Client.State() != obsws.StateIdentified {
				return fmt.Errorf("obs connection not identified: %s", h.deps.Client.State())
			}
			return nil
		}},
		{"pollers", func() error {
			if h.deps.PollPoller != nil && !h.deps.PollPoller.Running() {
				return fmt.Errorf("poll poller not running")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports the bridge's runtime state: OBS connection, scene
// mirror, pollers, and stream liveness.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	obs := map[string]any{
		"state":           h.deps.Client.State().String(),
		"pendingRequests": h.deps.Client.PendingCount(),
	}
	if err := h.deps.Client.LastError(); err != nil {
		obs["lastError"] = err.Error()
	}

	scene, sources := h.deps.Model.Sources()
	model := map[string]any{
		"currentScene": h.deps.Model.CurrentScene(),
		"sceneCount":   len(h.deps.Model.Scenes()),
		"sourceScene":  scene,
		"sourceCount":  len(sources),
	}

	pollers := map[string]any{
		"poll":    map[string]any{"running": h.deps.PollPoller != nil && h.deps.PollPoller.Running()},
		"metrics": map[string]any{"running": h.deps.MetricsPoller != nil && h.deps.MetricsPoller.Running()},
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"obs":           obs,
		"model":         model,
		"pollers":       pollers,
		"streamLive":    h.StreamLive(),
		"eventLogSize":  h.deps.Events.Len(),
		"uptimeSeconds": int(time.Since(h.startedAt).Seconds()),
	})
}
