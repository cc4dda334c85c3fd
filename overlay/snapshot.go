package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/castbridge/telemetry"
)

// Poll lifecycle statuses as reported by the backend.
const (
	PollStatusPending   = "pending"
	PollStatusActive    = "active"
	PollStatusCompleted = "completed"
)

// PollOption is one answer with its running vote count.
type PollOption struct {
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// PollSnapshot is the backend's view of the live poll. For a completed
// poll TimeRemainingSeconds is absent and ignored.
type PollSnapshot struct {
	Question             string       `json:"question"`
	Options              []PollOption `json:"options"`
	TotalVotes           int          `json:"totalVotes"`
	Status               string       `json:"status"`
	TimeRemainingSeconds *int         `json:"timeRemainingSeconds,omitempty"`
}

// MetricSnapshot carries the live counters. Every field is optional: an
// absent field means the platform is not configured or not reporting, and
// must not alter whatever the overlay already displays.
type MetricSnapshot struct {
	YouTubeLikes   *int  `json:"youtubeLikes,omitempty"`
	YouTubeViewers *int  `json:"youtubeViewers,omitempty"`
	YouTubeLive    *bool `json:"youtubeLive,omitempty"`
	KickViewers    *int  `json:"kickViewers,omitempty"`
	KickLive       *bool `json:"kickLive,omitempty"`
}

// FetchError is a failed snapshot fetch: HTTP/network trouble or a
// non-success backend reply. The poller logs it and keeps the last-known
// -good snapshot; it never reaches the overlay.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("snapshot fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// BackendClient fetches overlay snapshots from the dashboard backend and
// proxies settings saves to it.
type BackendClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *BackendClient) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 8 * time.Second}
}

// FetchPoll retrieves the current poll snapshot.
func (c *BackendClient) FetchPoll(ctx context.Context) (PollSnapshot, error) {
	var body struct {
		Success bool         `json:"success"`
		Poll    PollSnapshot `json:"poll"`
	}
	url := c.BaseURL + "/api/overlay/poll"
	if err := c.getJSON(ctx, url, &body); err != nil {
		return PollSnapshot{}, err
	}
	if !body.Success {
		return PollSnapshot{}, &FetchError{URL: url, Err: fmt.Errorf("backend reported failure")}
	}
	return body.Poll, nil
}

// FetchMetrics retrieves the live counters, translating the backend's
// per-platform objects into the flat optional-field snapshot.
func (c *BackendClient) FetchMetrics(ctx context.Context) (MetricSnapshot, error) {
	var body struct {
		Success bool `json:"success"`
		YouTube *struct {
			Likes       int  `json:"likes"`
			LiveViewers int  `json:"live_viewers"`
			LiveStatus  bool `json:"live_status"`
		} `json:"youtube,omitempty"`
		Kick *struct {
			LiveViewers int  `json:"live_viewers"`
			LiveStatus  bool `json:"live_status"`
		} `json:"kick,omitempty"`
	}
	url := c.BaseURL + "/api/overlay/metrics"
	if err := c.getJSON(ctx, url, &body); err != nil {
		return MetricSnapshot{}, err
	}
	if !body.Success {
		return MetricSnapshot{}, &FetchError{URL: url, Err: fmt.Errorf("backend reported failure")}
	}
	var snap MetricSnapshot
	if yt := body.YouTube; yt != nil {
		likes, viewers, live := yt.Likes, yt.LiveViewers, yt.LiveStatus
		snap.YouTubeLikes = &likes
		snap.YouTubeViewers = &viewers
		snap.YouTubeLive = &live
	}
	if k := body.Kick; k != nil {
		viewers, live := k.LiveViewers, k.LiveStatus
		snap.KickViewers = &viewers
		snap.KickLive = &live
	}
	return snap, nil
}

// SaveSettings POSTs an overlay configuration to the backend's settings
// store. The store itself is opaque to the bridge.
func (c *BackendClient) SaveSettings(ctx context.Context, cfg Config) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	url := c.BaseURL + "/api/overlay/settings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &FetchError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &FetchError{URL: url, Err: err}
	}
	if !body.Success {
		return &FetchError{URL: url, Err: fmt.Errorf("save rejected: %s", body.Error)}
	}
	return nil
}

func (c *BackendClient) getJSON(ctx context.Context, url string, out any) error {
	ctx, span := telemetry.StartSpan(ctx, "castbridge", "snapshot-fetch",
		telemetry.HTTPURLAttr(url))
	defer span.End()

	telemetry.IncSnapshotFetches()
	var err error
	telemetry.TimeFunc(telemetry.SnapshotFetchDuration, func() {
		err = c.doGetJSON(ctx, url, out)
	})
	if err != nil {
		telemetry.IncSnapshotFailures()
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (c *BackendClient) doGetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &FetchError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{URL: url, Err: err}
	}
	return nil
}
