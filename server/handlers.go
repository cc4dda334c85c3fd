// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/onnwee/castbridge/config"
	"github.com/onnwee/castbridge/eventlog"
	"github.com/onnwee/castbridge/obsws"
	"github.com/onnwee/castbridge/overlay"
	"github.com/onnwee/castbridge/scenemodel"
)

// Deps collects the long-lived components the HTTP surface fronts.
type Deps struct {
	Cfg     *config.Config
	Client  *obsws.Client
	Model   *scenemodel.Model
	Binder  *scenemodel.Binder
	Events  *eventlog.Log
	Backend *overlay.BackendClient

	PollFeed    *overlay.Feed[overlay.PollView]
	MetricsFeed *overlay.Feed[overlay.MetricsView]

	PollPoller    *overlay.Poller[overlay.PollSnapshot]
	MetricsPoller *overlay.Poller[overlay.MetricSnapshot]
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx       context.Context
	deps      *Deps
	startedAt time.Time

	mu         sync.RWMutex
	streamLive bool
}

// NewHandlers creates a new Handlers instance with the given dependencies.
// It registers for stream state events so /status can report liveness
// without an extra round trip.
func NewHandlers(ctx context.Context, deps *Deps) *Handlers {
	h := &Handlers{
		ctx:       ctx,
		deps:      deps,
		startedAt: time.Now(),
	}
	if deps.Client != nil {
		deps.Client.On(obsws.EventStreamStateChanged, h.onStreamState)
	}
	return h
}

func (h *Handlers) onStreamState(raw json.RawMessage) {
	var d struct {
		OutputActive bool   `json:"outputActive"`
		OutputState  string `json:"outputState"`
	}
	if err := json.Unmarshal(obsws.EventData(raw), &d); err != nil {
		return
	}
	h.mu.Lock()
	h.streamLive = d.OutputActive
	h.mu.Unlock()
}

// StreamLive reports the last observed stream output state.
func (h *Handlers) StreamLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streamLive
}
