// Command castbridge is the main entrypoint for the stream-control bridge.
// It:
//   - Loads configuration and initializes structured logging.
//   - Maintains the websocket session to the OBS control endpoint and mirrors
//     the scene/source graph.
//   - Polls the dashboard backend for poll and channel-metric snapshots and
//     renders them into overlay states.
//   - Exposes an HTTP server with /healthz, /status, /metrics, OBS control
//     endpoints, and SSE feeds for the overlay pages.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/castbridge/config"
	"github.com/onnwee/castbridge/eventlog"
	"github.com/onnwee/castbridge/obsws"
	"github.com/onnwee/castbridge/overlay"
	"github.com/onnwee/castbridge/scenemodel"
	"github.com/onnwee/castbridge/server"
	"github.com/onnwee/castbridge/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("castbridge", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Diagnostic event trail shared by every component
	elog := eventlog.New(cfg.EventLogCapacity)
	elog.Append("bridge starting")

	// OBS session and scene/source mirror
	client := obsws.NewClient(elog)
	model := scenemodel.New()
	binder := scenemodel.Bind(client, model, elog)

	// Overlay snapshot source and render pipelines
	backend := &overlay.BackendClient{BaseURL: cfg.BackendBaseURL}

	pollFeed := overlay.NewFeed[overlay.PollView]()
	pollRenderer := overlay.NewPollRenderer(cfg.Overlay)
	pollPoller := overlay.NewPoller(backend.FetchPoll, cfg.PollInterval, elog)
	pollPoller.OnChange = func(s overlay.PollSnapshot) {
		pollFeed.Publish(pollRenderer.Render(s))
	}
	// Countdown ticks ride a lighter path than a full render: suppressed
	// fetches still advance the remaining-time display.
	pollPoller.OnTick = func(s overlay.PollSnapshot) {
		if view, ok := pollRenderer.Countdown(s); ok {
			pollFeed.Publish(view)
		}
	}

	metricsFeed := overlay.NewFeed[overlay.MetricsView]()
	metricsRenderer := overlay.NewMetricsRenderer(cfg.Overlay)
	metricsPoller := overlay.NewPoller(backend.FetchMetrics, cfg.MetricsInterval, elog)
	metricsPoller.OnChange = func(m overlay.MetricSnapshot) {
		metricsFeed.Publish(metricsRenderer.Render(m))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pollPoller.Start(ctx)
	metricsPoller.Start(ctx)
	defer pollPoller.Stop()
	defer metricsPoller.Stop()

	// Optional eager OBS connect; failures are reported, never retried.
	// The operator reconnects from the dashboard.
	if cfg.AutoConnect {
		if err := cfg.ValidateOBSReady(); err != nil {
			slog.Error("auto-connect requested but config incomplete", slog.Any("err", err))
			os.Exit(1)
		}
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := client.Connect(connectCtx, cfg.OBSAddress, cfg.OBSPassword); err != nil {
			slog.Warn("initial obs connect failed", slog.String("address", cfg.OBSAddress), slog.Any("err", err))
			elog.Appendf("initial connect to %s failed: %v", cfg.OBSAddress, err)
		}
		cancel()
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/control/feeds)
	deps := &server.Deps{
		Cfg:           cfg,
		Client:        client,
		Model:         model,
		Binder:        binder,
		Events:        elog,
		Backend:       backend,
		PollFeed:      pollFeed,
		MetricsFeed:   metricsFeed,
		PollPoller:    pollPoller,
		MetricsPoller: metricsPoller,
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	client.Disconnect()
	slog.Info("shutting down")
}
