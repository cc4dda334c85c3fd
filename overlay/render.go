package overlay

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/castbridge/scenemodel"
)

// entranceStaggerMs spaces out option entrance animations so a freshly
// shown poll doesn't pop in all at once.
const entranceStaggerMs = 100

// OptionView is one poll option ready for display.
type OptionView struct {
	Text         string `json:"text"`
	Votes        int    `json:"votes"`
	Percent      int    `json:"percent"`
	Winner       bool   `json:"winner"`
	Pulse        bool   `json:"pulse"`
	EnterDelayMs int    `json:"enterDelayMs"`
}

// PollView is the declarative render state for the poll overlay. Applying
// the same view twice is a no-op for the page, so emitting it is always safe.
type PollView struct {
	Question             string       `json:"question"`
	Status               string       `json:"status"`
	TotalVotes           int          `json:"totalVotes"`
	TimeRemainingSeconds *int         `json:"timeRemainingSeconds,omitempty"`
	Compact              bool         `json:"compact"`
	Options              []OptionView `json:"options"`
}

// Percent computes a poll option's displayed percentage with independent
// per-option rounding. The displayed percentages are not adjusted to sum
// to 100; the rounding artifact is accepted, not corrected.
func Percent(votes, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(votes) / float64(total) * 100))
}

// FormatCount renders a counter value: 1.2M / 3.4K shorthand when
// formatting is enabled, the literal integer otherwise.
func FormatCount(n int, format bool) string {
	if !format {
		return strconv.Itoa(n)
	}
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return strconv.Itoa(n)
	}
}

// winners marks the options holding the strict maximum vote count, provided
// that maximum is positive. Ties are all winners.
func winners(options []PollOption) []bool {
	out := make([]bool, len(options))
	max := 0
	for _, o := range options {
		if o.Votes > max {
			max = o.Votes
		}
	}
	if max <= 0 {
		return out
	}
	for i, o := range options {
		out[i] = o.Votes == max
	}
	return out
}

// PollRenderer turns poll snapshots into PollViews, tracking what was
// previously rendered so pulses fire only on strict increases and entrance
// staggering applies only when the option set newly appears.
type PollRenderer struct {
	cfg Config

	mu        sync.Mutex
	prevVotes map[string]int
	rendered  bool
	showing   bool

	lastView      PollView
	countdownBase int
	countdownAt   time.Time
	now           func() time.Time
}

// NewPollRenderer returns a renderer bound to an immutable overlay config.
func NewPollRenderer(cfg Config) *PollRenderer {
	return &PollRenderer{cfg: cfg, prevVotes: make(map[string]int), now: time.Now}
}

// Render computes the next poll view from a snapshot.
func (r *PollRenderer) Render(s PollSnapshot) PollView {
	r.mu.Lock()
	defer r.mu.Unlock()

	view := PollView{
		Question:   s.Question,
		Status:     s.Status,
		TotalVotes: s.TotalVotes,
		Compact:    r.cfg.CompactMode,
	}
	// A completed poll has no countdown, whatever the snapshot says.
	if s.Status != PollStatusCompleted {
		view.TimeRemainingSeconds = s.TimeRemainingSeconds
	}

	var win []bool
	if s.Status == PollStatusCompleted {
		win = winners(s.Options)
	}

	entering := !r.showing && len(s.Options) > 0
	next := make(map[string]int, len(s.Options))
	view.Options = make([]OptionView, len(s.Options))
	for i, o := range s.Options {
		ov := OptionView{
			Text:    o.Text,
			Votes:   o.Votes,
			Percent: Percent(o.Votes, s.TotalVotes),
		}
		if win != nil {
			ov.Winner = win[i]
		}
		if r.cfg.AnimateChanges && r.rendered {
			if prev, ok := r.prevVotes[o.Text]; ok && o.Votes > prev {
				ov.Pulse = true
			}
		}
		if entering {
			ov.EnterDelayMs = i * entranceStaggerMs
		}
		next[o.Text] = o.Votes
		view.Options[i] = ov
	}

	r.prevVotes = next
	r.rendered = true
	r.showing = len(s.Options) > 0
	r.lastView = view
	if view.TimeRemainingSeconds != nil {
		r.countdownBase = *view.TimeRemainingSeconds
		r.countdownAt = r.now()
	}
	return view
}

// Countdown advances the remaining-time display between full renders. It
// reuses the last rendered view with only the countdown updated, so the
// page never replays pulses or entrance animations on a pure time tick.
// Returns false when there is nothing to advance: no view rendered yet, no
// countdown showing, a completed poll, or the displayed value is current.
func (r *PollRenderer) Countdown(s PollSnapshot) (PollView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.rendered || s.Status == PollStatusCompleted || r.lastView.TimeRemainingSeconds == nil {
		return PollView{}, false
	}
	remaining := r.countdownBase - int(r.now().Sub(r.countdownAt).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	if remaining == *r.lastView.TimeRemainingSeconds {
		return PollView{}, false
	}

	view := r.lastView
	view.Options = make([]OptionView, len(r.lastView.Options))
	for i, o := range r.lastView.Options {
		o.Pulse = false
		o.EnterDelayMs = 0
		view.Options[i] = o
	}
	view.TimeRemainingSeconds = &remaining
	r.lastView = view
	return view, true
}

// MetricView is one counter tile ready for display.
type MetricView struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Value   string `json:"value"`
	Raw     int    `json:"raw"`
	Live    *bool  `json:"live,omitempty"`
	Visible bool   `json:"visible"`
	Pulse   bool   `json:"pulse"`
}

// MetricsView is the declarative render state for the metrics overlay.
type MetricsView struct {
	Compact bool         `json:"compact"`
	Items   []MetricView `json:"items"`
}

// MetricsRenderer turns metric snapshots into MetricsViews. Absent snapshot
// fields leave the corresponding displayed value untouched.
type MetricsRenderer struct {
	cfg Config

	mu       sync.Mutex
	values   map[string]int
	live     map[string]bool
	haveLive map[string]bool
	rendered bool
}

// NewMetricsRenderer returns a renderer bound to an immutable overlay config.
func NewMetricsRenderer(cfg Config) *MetricsRenderer {
	return &MetricsRenderer{
		cfg:      cfg,
		values:   make(map[string]int),
		live:     make(map[string]bool),
		haveLive: make(map[string]bool),
	}
}

// Render computes the next metrics view from a snapshot.
func (r *MetricsRenderer) Render(m MetricSnapshot) MetricsView {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.YouTubeLive != nil {
		r.live["youtube"] = *m.YouTubeLive
		r.haveLive["youtube"] = true
	}
	if m.KickLive != nil {
		r.live["kick"] = *m.KickLive
		r.haveLive["kick"] = true
	}

	view := MetricsView{Compact: r.cfg.CompactMode}
	view.Items = []MetricView{
		r.item("youtube_likes", "YouTube Likes", m.YouTubeLikes, "youtube", r.cfg.VisibilityFlags.YouTubeLikes),
		r.item("youtube_viewers", "YouTube Viewers", m.YouTubeViewers, "youtube", r.cfg.VisibilityFlags.YouTubeViewers),
		r.item("kick_viewers", "Kick Viewers", m.KickViewers, "kick", r.cfg.VisibilityFlags.KickViewers),
	}
	r.rendered = true
	return view
}

// item builds one tile. A nil updated value keeps the previously displayed
// one; a strict increase with animation enabled pulses.
func (r *MetricsRenderer) item(key, label string, updated *int, platform string, visible bool) MetricView {
	prev, had := r.values[key]
	value := prev
	pulse := false
	if updated != nil {
		value = *updated
		if r.cfg.AnimateChanges && r.rendered && had && value > prev {
			pulse = true
		}
		r.values[key] = value
	}
	mv := MetricView{
		Key:     key,
		Label:   label,
		Value:   FormatCount(value, r.cfg.FormatNumbers),
		Raw:     value,
		Visible: visible,
		Pulse:   pulse,
	}
	if r.haveLive[platform] {
		live := r.live[platform]
		mv.Live = &live
	}
	return mv
}

// SourceView is one scene source in the integration-page preview pane.
type SourceView struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// PreviewView reflects the mirrored OBS state for the integration page's
// preview pane.
type PreviewView struct {
	CurrentScene string       `json:"currentScene"`
	Scenes       []string     `json:"scenes"`
	Sources      []SourceView `json:"sources"`
}

// RenderPreview snapshots the scene/source mirror into a preview state.
func RenderPreview(m *scenemodel.Model) PreviewView {
	view := PreviewView{CurrentScene: m.CurrentScene()}
	for _, s := range m.Scenes() {
		view.Scenes = append(view.Scenes, s.Name)
	}
	_, sources := m.Sources()
	for _, src := range sources {
		view.Sources = append(view.Sources, SourceView{Name: src.Name, Kind: src.Kind, Enabled: src.Enabled})
	}
	return view
}
