// Package overlay drives the broadcast overlays: timed snapshot polling
// with diff suppression, and declarative render-state computation that the
// overlay pages apply verbatim. Overlays must stay visually stable during
// transient backend trouble, so fetch failures retain the last-known-good
// snapshot and never surface in the overlay itself.
package overlay

import "time"

// Visibility selects which metric tiles an overlay shows. Hidden tiles are
// still rendered into the state (so toggling is cheap) but flagged.
type Visibility struct {
	YouTubeLikes   bool `json:"youtubeLikes"`
	YouTubeViewers bool `json:"youtubeViewers"`
	KickViewers    bool `json:"kickViewers"`
}

// Config is the overlay page configuration, supplied once at load time and
// immutable for the life of a rendered overlay instance.
type Config struct {
	RefreshIntervalMs int        `json:"refreshIntervalMs"`
	CompactMode       bool       `json:"compactMode"`
	VisibilityFlags   Visibility `json:"visibilityFlags"`
	AnimateChanges    bool       `json:"animateChanges"`
	FormatNumbers     bool       `json:"formatNumbers"`
}

// DefaultConfig mirrors the dashboard's defaults for a fresh overlay.
func DefaultConfig() Config {
	return Config{
		RefreshIntervalMs: 5000,
		VisibilityFlags: Visibility{
			YouTubeLikes:   true,
			YouTubeViewers: true,
			KickViewers:    true,
		},
		AnimateChanges: true,
		FormatNumbers:  true,
	}
}

// Interval returns the refresh interval as a duration, floored at one
// second to protect the backend from misconfigured pages.
func (c Config) Interval() time.Duration {
	if c.RefreshIntervalMs < 1000 {
		return time.Second
	}
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}
