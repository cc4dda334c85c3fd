package scenemodel

import (
	"context"
	"encoding/json"

	"github.com/onnwee/castbridge/eventlog"
	"github.com/onnwee/castbridge/obsws"
)

// Binder routes protocol responses and events into a Model. All mutation of
// the model flows through here, keeping the protocol client its sole writer.
type Binder struct {
	client *obsws.Client
	model  *Model
	log    *eventlog.Log
}

// Bind registers the model-maintaining hooks on client and returns the
// binder. Call once, before connecting.
func Bind(client *obsws.Client, model *Model, log *eventlog.Log) *Binder {
	b := &Binder{client: client, model: model, log: log}
	client.InitialSceneList = b.applySceneList
	client.On(obsws.EventCurrentProgramSceneChanged, b.onSceneChanged)
	client.On(obsws.EventSceneItemVisibilityChanged, b.onVisibilityChanged)
	return b
}

func (b *Binder) applySceneList(list obsws.SceneListResponse) {
	names := make([]string, 0, len(list.Scenes))
	for _, s := range list.Scenes {
		names = append(names, s.SceneName)
	}
	b.model.ReplaceScenes(names, list.CurrentProgramSceneName)
	b.log.Appendf("scene list: %d scenes, current %q", len(names), list.CurrentProgramSceneName)
	if list.CurrentProgramSceneName != "" {
		go b.refresh(list.CurrentProgramSceneName)
	}
}

func (b *Binder) onSceneChanged(raw json.RawMessage) {
	var ev struct {
		SceneName string `json:"sceneName"`
	}
	if err := json.Unmarshal(obsws.EventData(raw), &ev); err != nil || ev.SceneName == "" {
		b.log.Append("scene change event missing sceneName, ignored")
		return
	}
	b.model.SetCurrentScene(ev.SceneName)
	b.log.Appendf("current scene changed to %q", ev.SceneName)
	// A scene switch invalidates the mirrored source list; rebuild it for
	// the newly selected scene.
	go b.refresh(ev.SceneName)
}

func (b *Binder) onVisibilityChanged(raw json.RawMessage) {
	var ev struct {
		SceneName        string `json:"sceneName"`
		SourceName       string `json:"sourceName"`
		SceneItemEnabled bool   `json:"sceneItemEnabled"`
	}
	if err := json.Unmarshal(obsws.EventData(raw), &ev); err != nil || ev.SourceName == "" {
		b.log.Append("visibility event missing sourceName, ignored")
		return
	}
	// The event carries only a name, so an unknown source is logged and
	// ignored rather than implicitly created.
	if !b.model.SetSourceEnabled(ev.SceneName, ev.SourceName, ev.SceneItemEnabled) {
		b.log.Appendf("visibility change for unknown source %q ignored", ev.SourceName)
		return
	}
	b.log.Appendf("source %q enabled=%v", ev.SourceName, ev.SceneItemEnabled)
}

func (b *Binder) refresh(scene string) {
	ctx, cancel := context.WithTimeout(context.Background(), obsws.DefaultRequestTimeout)
	defer cancel()
	if err := b.RefreshSources(ctx, scene); err != nil {
		b.log.Appendf("source list for %q failed: %v", scene, err)
	}
}

// RefreshSources fetches the source list for scene and installs it in the
// model, replacing whatever scene's sources were held before.
func (b *Binder) RefreshSources(ctx context.Context, scene string) error {
	data, err := b.client.Request(ctx, obsws.RequestGetSceneItemList, map[string]any{"sceneName": scene})
	if err != nil {
		return err
	}
	var list obsws.SceneItemListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	sources := make([]Source, 0, len(list.SceneItems))
	for _, it := range list.SceneItems {
		sources = append(sources, Source{
			ID:      it.SceneItemID,
			Name:    it.SourceName,
			Kind:    it.InputKind,
			Enabled: it.SceneItemEnabled,
		})
	}
	b.model.ReplaceSources(scene, sources)
	b.log.Appendf("source list: %d sources for %q", len(sources), scene)
	return nil
}
