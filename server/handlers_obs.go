package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/castbridge/obsws"
	"github.com/onnwee/castbridge/overlay"
)

// HandleOBSConnect dials the OBS control endpoint. Address and password
// default to the configured values; the request body may override either.
func (h *Handlers) HandleOBSConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Address  string `json:"address"`
		Password string `json:"password"`
	}
	// An empty body means "use configured credentials".
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	address := body.Address
	if address == "" {
		address = h.deps.Cfg.OBSAddress
	}
	password := body.Password
	if password == "" {
		password = h.deps.Cfg.OBSPassword
	}

	if err := h.deps.Client.Connect(r.Context(), address, password); err != nil {
		slog.Warn("obs connect failed", slog.String("address", address), slog.Any("err", err))
		h.deps.Events.Appendf("connect to %s failed: %v", address, err)
		writeJSONError(w, obsStatusCode(err), err.Error())
		return
	}
	h.deps.Events.Appendf("connecting to %s", address)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"state":   h.deps.Client.State().String(),
	})
}

// HandleOBSDisconnect tears down the OBS session deliberately.
func (h *Handlers) HandleOBSDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.deps.Client.Disconnect()
	h.deps.Events.Append("disconnected by operator")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"state":   h.deps.Client.State().String(),
	})
}

// HandleOBSScene switches the current program scene.
func (h *Handlers) HandleOBSScene(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SceneName string `json:"sceneName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SceneName == "" {
		writeJSONError(w, http.StatusBadRequest, "sceneName is required")
		return
	}
	if h.deps.Client.State() != obsws.StateIdentified {
		writeJSONError(w, http.StatusConflict, "not connected")
		return
	}
	_, err := h.deps.Client.Request(r.Context(), obsws.RequestSetCurrentProgramScene, map[string]any{
		"sceneName": body.SceneName,
	})
	if err != nil {
		writeJSONError(w, obsStatusCode(err), err.Error())
		return
	}
	h.deps.Events.Appendf("scene switch requested: %s", body.SceneName)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleOBSSource toggles a source's visibility in the current scene. The
// scene item id is resolved from the mirrored source list by name so the
// dashboard only needs the name it displays.
func (h *Handlers) HandleOBSSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SourceName string `json:"sourceName"`
		Enabled    bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SourceName == "" {
		writeJSONError(w, http.StatusBadRequest, "sourceName is required")
		return
	}
	if h.deps.Client.State() != obsws.StateIdentified {
		writeJSONError(w, http.StatusConflict, "not connected")
		return
	}

	scene, sources := h.deps.Model.Sources()
	itemID := -1
	for _, s := range sources {
		if s.Name == body.SourceName {
			itemID = s.ID
			break
		}
	}
	if itemID < 0 {
		writeJSONError(w, http.StatusNotFound, "source not found in current scene")
		return
	}

	_, err := h.deps.Client.Request(r.Context(), obsws.RequestSetSceneItemEnabled, map[string]any{
		"sceneName":        scene,
		"sceneItemId":      itemID,
		"sceneItemEnabled": body.Enabled,
	})
	if err != nil {
		writeJSONError(w, obsStatusCode(err), err.Error())
		return
	}
	h.deps.Events.Appendf("source %q set enabled=%t in scene %q", body.SourceName, body.Enabled, scene)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleOBSStreamStart starts the broadcast output.
func (h *Handlers) HandleOBSStreamStart(w http.ResponseWriter, r *http.Request) {
	h.handleStreamToggle(w, r, obsws.RequestStartStream, "stream start requested")
}

// HandleOBSStreamStop stops the broadcast output.
func (h *Handlers) HandleOBSStreamStop(w http.ResponseWriter, r *http.Request) {
	h.handleStreamToggle(w, r, obsws.RequestStopStream, "stream stop requested")
}

func (h *Handlers) handleStreamToggle(w http.ResponseWriter, r *http.Request, requestType, logMsg string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Client.State() != obsws.StateIdentified {
		writeJSONError(w, http.StatusConflict, "not connected")
		return
	}
	if _, err := h.deps.Client.Request(r.Context(), requestType, nil); err != nil {
		writeJSONError(w, obsStatusCode(err), err.Error())
		return
	}
	h.deps.Events.Append(logMsg)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleOBSRefresh re-fetches the current scene's source list on demand,
// for when the operator suspects the mirror drifted.
func (h *Handlers) HandleOBSRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Client.State() != obsws.StateIdentified {
		writeJSONError(w, http.StatusConflict, "not connected")
		return
	}
	scene := h.deps.Model.CurrentScene()
	if scene == "" {
		writeJSONError(w, http.StatusConflict, "no current scene")
		return
	}
	if err := h.deps.Binder.RefreshSources(r.Context(), scene); err != nil {
		writeJSONError(w, obsStatusCode(err), err.Error())
		return
	}
	h.deps.Events.Appendf("source list refreshed for scene %q", scene)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleOBSPreview returns the mirrored scene/source graph for the
// dashboard's preview panel.
func (h *Handlers) HandleOBSPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, overlay.RenderPreview(h.deps.Model))
}
