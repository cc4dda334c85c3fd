// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	OBSConnects           prometheus.Counter
	OBSDisconnects        prometheus.Counter
	OBSFramesReceived     prometheus.Counter
	OBSFramesSent         prometheus.Counter
	OBSProtocolViolations prometheus.Counter
	OBSRequestTimeouts    prometheus.Counter
	SnapshotFetches       prometheus.Counter
	SnapshotFetchFailures prometheus.Counter
	OverlayRenders        prometheus.Counter
	OverlayRendersSkipped prometheus.Counter

	// Histograms (seconds)
	SnapshotFetchDuration prometheus.Observer
	RequestDuration       prometheus.Observer

	// Gauges
	PendingRequestsGauge prometheus.Gauge
	ConnectionStateGauge prometheus.Gauge // 0=disconnected..3=identified
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		OBSConnects = promauto.NewCounter(prometheus.CounterOpts{Name: "castbridge_obs_connects_total", Help: "Number of OBS connection attempts that opened a transport"})
		OBSDisconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "castbridge_obs_disconnects_total", Help: "Number of operator-initiated OBS disconnects"})
		OBSFramesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "castbridge_obs_frames_received_total", Help: "Number of inbound control-protocol frames"})
		OBSFramesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "castbridge_obs_frames_sent_total", Help: "Number of outbound control-protocol frames"})
		OBSProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{Name: "castbridge_obs_protocol_violations_total", Help: "Number of malformed frames logged and dropped"})
		OBSRequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{Name: "castbridge_obs_request_timeouts_total", Help: "Number of requests evicted without a response"})
		SnapshotFetches = promauto.NewCounter(prometheus.CounterOpts{Name: "castbridge_snapshot_fetches_total", Help: "Number of overlay snapshot fetch attempts"})
		SnapshotFetchFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "castbridge_snapshot_fetch_failures_total", Help: "Number of overlay snapshot fetches that failed"})
		OverlayRenders = promauto.NewCounter(prometheus.CounterOpts{Name: "castbridge_overlay_renders_total", Help: "Number of overlay render states emitted"})
		OverlayRendersSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "castbridge_overlay_renders_skipped_total", Help: "Number of renders suppressed by snapshot equality"})
		SnapshotFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "castbridge_snapshot_fetch_duration_seconds", Help: "Snapshot fetch duration seconds", Buckets: prometheus.DefBuckets})
		RequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "castbridge_obs_request_duration_seconds", Help: "Control-protocol request round trip seconds", Buckets: prometheus.DefBuckets})
		PendingRequestsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "castbridge_obs_pending_requests", Help: "Current number of outstanding control-protocol requests"})
		ConnectionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "castbridge_obs_connection_state", Help: "Connection state: 0=disconnected 1=connecting 2=awaiting_identify 3=identified"})
	})
}

// Nil-guarded increment helpers so library code stays usable in tests that
// never call Init.

func IncConnects()            { inc(OBSConnects) }
func IncDisconnects()         { inc(OBSDisconnects) }
func IncFramesReceived()      { inc(OBSFramesReceived) }
func IncFramesSent()          { inc(OBSFramesSent) }
func IncProtocolViolations()  { inc(OBSProtocolViolations) }
func IncRequestTimeouts()     { inc(OBSRequestTimeouts) }
func IncSnapshotFetches()     { inc(SnapshotFetches) }
func IncSnapshotFailures()    { inc(SnapshotFetchFailures) }
func IncOverlayRenders()      { inc(OverlayRenders) }
func IncOverlayRendersSkipped() { inc(OverlayRendersSkipped) }

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetPendingRequests records the outstanding request count.
func SetPendingRequests(n int) {
	if PendingRequestsGauge != nil {
		PendingRequestsGauge.Set(float64(n))
	}
}

// SetConnectionState records the numeric connection state.
func SetConnectionState(s int) {
	if ConnectionStateGauge != nil {
		ConnectionStateGauge.Set(float64(s))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
