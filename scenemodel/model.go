// Package scenemodel keeps an eventually-consistent in-memory mirror of the
// remote scene/source graph. It is rebuilt wholesale from scene-list and
// source-list responses and patched incrementally from change events. The
// protocol client is its sole writer; readers only get copies.
package scenemodel

import (
	"sync"
)

// Scene is one entry in the mirrored scene list.
type Scene struct {
	Name      string `json:"name"`
	IsCurrent bool   `json:"isCurrent"`
}

// Source is one entry in the currently selected scene's source list.
type Source struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Enabled    bool   `json:"enabled"`
	OwnerScene string `json:"ownerScene"`
}

// Model mirrors the remote scene/source graph. At most one scene is current
// at any time; source entries belong to the scene they were listed for and
// are dropped wholesale when a different scene's list arrives.
type Model struct {
	mu          sync.RWMutex
	scenes      []Scene
	sources     []Source
	sourceScene string
}

// New returns an empty model.
func New() *Model {
	return &Model{}
}

// ReplaceScenes installs a full scene list, marking current as the active
// scene and clearing the flag everywhere else.
func (m *Model) ReplaceScenes(names []string, current string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scenes := make([]Scene, 0, len(names))
	for _, n := range names {
		scenes = append(scenes, Scene{Name: n, IsCurrent: n == current})
	}
	m.scenes = scenes
}

// SetCurrentScene marks name as the single current scene. An unknown name
// gets a placeholder entry rather than dropping the event; the next full
// scene-list response reconciles it.
func (m *Model) SetCurrentScene(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for i := range m.scenes {
		m.scenes[i].IsCurrent = m.scenes[i].Name == name
		if m.scenes[i].IsCurrent {
			found = true
		}
	}
	if !found {
		m.scenes = append(m.scenes, Scene{Name: name, IsCurrent: true})
	}
}

// ReplaceSources installs scene's source list wholesale, discarding any
// entries held for a previously selected scene.
func (m *Model) ReplaceSources(scene string, sources []Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]Source, len(sources))
	copy(copied, sources)
	for i := range copied {
		copied[i].OwnerScene = scene
	}
	m.sources = copied
	m.sourceScene = scene
}

// SetSourceEnabled toggles the enabled flag of the named source in the
// given scene. Returns false when the source is unknown (the event carries
// only a name, so nothing is implicitly created).
func (m *Model) SetSourceEnabled(scene, name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scene != "" && scene != m.sourceScene {
		return false
	}
	for i := range m.sources {
		if m.sources[i].Name == name {
			m.sources[i].Enabled = enabled
			return true
		}
	}
	return false
}

// Scenes returns a copy of the mirrored scene list.
func (m *Model) Scenes() []Scene {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Scene, len(m.scenes))
	copy(out, m.scenes)
	return out
}

// CurrentScene returns the name of the current scene, or "" when none is
// marked.
func (m *Model) CurrentScene() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.scenes {
		if s.IsCurrent {
			return s.Name
		}
	}
	return ""
}

// Sources returns a copy of the selected scene's source list together with
// the scene it belongs to.
func (m *Model) Sources() (string, []Source) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Source, len(m.sources))
	copy(out, m.sources)
	return m.sourceScene, out
}
