package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/castbridge/overlay"
)

// HandleOverlayPoll returns the latest rendered poll state.
func (h *Handlers) HandleOverlayPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view, ok := h.deps.PollFeed.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleOverlayPollStream streams rendered poll states as Server-Sent
// Events. A late joiner immediately receives the latest state.
func (h *Handlers) HandleOverlayPollStream(w http.ResponseWriter, r *http.Request) {
	streamFeed(w, r, h.deps.PollFeed)
}

// HandleOverlayMetrics returns the latest rendered metrics state.
func (h *Handlers) HandleOverlayMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view, ok := h.deps.MetricsFeed.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleOverlayMetricsStream streams rendered metrics states as SSE.
func (h *Handlers) HandleOverlayMetricsStream(w http.ResponseWriter, r *http.Request) {
	streamFeed(w, r, h.deps.MetricsFeed)
}

// streamFeed writes each published value of a feed as an SSE data event
// until the client goes away.
func streamFeed[T any](w http.ResponseWriter, r *http.Request, feed *overlay.Feed[T]) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := feed.Subscribe()
	defer cancel()

	ctx := r.Context()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				slog.Warn("failed to write SSE data prefix", slog.Any("err", err))
				return
			}
			_ = enc.Encode(v)
			if _, err := w.Write([]byte("\n")); err != nil {
				slog.Warn("failed to write SSE newline", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}

// HandleSettings serves the overlay configuration. GET returns the active
// config; POST persists a new one through the dashboard backend and applies
// it to the pollers' renderers on the next cycle.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.deps.Cfg.Overlay)
	case http.MethodPost:
		var cfg overlay.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := h.deps.Backend.SaveSettings(r.Context(), cfg); err != nil {
			slog.Warn("settings save failed", slog.Any("err", err))
			writeJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		h.deps.Events.Append("overlay settings saved")
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
