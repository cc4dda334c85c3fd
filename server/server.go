// Package server exposes the HTTP API: health, status, metrics, OBS control,
// and overlay render feeds consumed by the dashboard and overlay pages.
// It includes permissive CORS for development and injects correlation IDs
// into request contexts for consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/castbridge/telemetry"
)

// getControlEndpointPattern returns a compiled regex matching OBS control
// endpoints that mutate broadcast state and therefore require operator auth
// and rate limiting. The pattern is lazily compiled on first use.
var getControlEndpointPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^/obs/(connect|disconnect|scene|source|refresh|stream/(start|stop))$`)
})

// NewMux returns the HTTP handler with all routes.
// The provided context is used for rate limiter cleanup goroutine lifecycle.
func NewMux(ctx context.Context, deps *Deps) http.Handler {
	// Load middleware configurations
	authCfg := loadAuthConfig()
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()

	limiter := newIPRateLimiter(ctx, rateLimiterCfg)

	// Initialize handlers with dependencies
	handlers := NewHandlers(ctx, deps)

	mux := http.NewServeMux()

	// Metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health and readiness endpoints
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	// Status and diagnostics
	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/events", handlers.HandleEvents)
	mux.HandleFunc("/events/stream", handlers.HandleEventsStream)

	// OBS control endpoints
	mux.HandleFunc("/obs/connect", handlers.HandleOBSConnect)
	mux.HandleFunc("/obs/disconnect", handlers.HandleOBSDisconnect)
	mux.HandleFunc("/obs/scene", handlers.HandleOBSScene)
	mux.HandleFunc("/obs/source", handlers.HandleOBSSource)
	mux.HandleFunc("/obs/stream/start", handlers.HandleOBSStreamStart)
	mux.HandleFunc("/obs/stream/stop", handlers.HandleOBSStreamStop)
	mux.HandleFunc("/obs/refresh", handlers.HandleOBSRefresh)
	mux.HandleFunc("/obs/preview", handlers.HandleOBSPreview)

	// Overlay render feeds and settings
	mux.HandleFunc("/overlay/poll", handlers.HandleOverlayPoll)
	mux.HandleFunc("/overlay/poll/stream", handlers.HandleOverlayPollStream)
	mux.HandleFunc("/overlay/metrics", handlers.HandleOverlayMetrics)
	mux.HandleFunc("/overlay/metrics/stream", handlers.HandleOverlayMetricsStream)
	mux.HandleFunc("/settings", handlers.HandleSettings)

	// Selective middleware wrapper: operator auth plus rate limiting on
	// control endpoints, rate limiting alone on settings writes.
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if getControlEndpointPattern().MatchString(r.URL.Path) {
			operatorAuth(rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mux.ServeHTTP(w, r)
			}), limiter), authCfg).ServeHTTP(w, r)
			return
		}

		if r.URL.Path == "/settings" && r.Method == http.MethodPost {
			rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mux.ServeHTTP(w, r)
			}), limiter).ServeHTTP(w, r)
			return
		}

		// All other endpoints: no special protection
		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		// Start tracing span if enabled
		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		// Provide logger with corr for downstream if needed
		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		// Capture status code via custom ResponseWriter
		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		// Record HTTP status in span
		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps *Deps, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     NewMux(ctx, deps),
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: the SSE feeds hold their response open for the
		// lifetime of the overlay page.
		IdleTimeout: 60 * time.Second,
	}

	// Shutdown goroutine
	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
