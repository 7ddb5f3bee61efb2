// Package server exposes the HTTP API the UI and scripts drive: health,
// metrics, status, settings, account management, monitor/OBS/Twitch control
// and a server-sent event stream. Mutating routes pass admin auth and per-IP
// rate limiting; every request carries a correlation id.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter cleanup goroutine and open event streams.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	h := NewHandlers(ctx, deps)
	cfg := deps.Config
	auth := newAuthConfig(cfg)
	limiter := newIPRateLimiter(ctx, cfg.RateLimitEnabled, cfg.RateLimitPerIP, cfg.RateLimitWindow)
	guard := func(fn http.HandlerFunc) http.Handler { return protect(fn, auth, limiter) }

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /events", h.HandleEvents)
	mux.HandleFunc("GET /config", h.HandleGetConfig)
	mux.Handle("PUT /config", guard(h.HandlePutConfig))

	mux.HandleFunc("GET /accounts", h.HandleListAccounts)
	mux.Handle("POST /accounts", guard(h.HandleAddAccount))
	mux.Handle("DELETE /accounts/{id}", guard(h.HandleRemoveAccount))
	mux.Handle("POST /accounts/{id}/toggle", guard(h.HandleToggleAccount))
	mux.Handle("POST /accounts/{id}/check", guard(h.HandleCheckAccount))

	mux.Handle("POST /monitor/start", guard(h.HandleMonitorStart))
	mux.Handle("POST /monitor/stop", guard(h.HandleMonitorStop))
	mux.Handle("POST /obs/connect", guard(h.HandleOBSConnect))
	mux.Handle("POST /obs/disconnect", guard(h.HandleOBSDisconnect))

	mux.Handle("POST /twitch/authorize", guard(h.HandleTwitchAuthorize))
	mux.Handle("POST /twitch/disconnect", guard(h.HandleTwitchDisconnect))
	mux.Handle("POST /stream/info", guard(h.HandleStreamInfoUpdate))
	mux.HandleFunc("GET /twitch/stream", h.HandleTwitchStream)
	mux.HandleFunc("GET /twitch/channel", h.HandleTwitchChannel)

	mux.HandleFunc("GET /auth/twitch/start", h.HandleTwitchOAuthStart)
	mux.HandleFunc("GET /auth/twitch/callback", h.HandleTwitchOAuthCallback)
	mux.HandleFunc("GET /auth/youtube/start", h.HandleYouTubeOAuthStart)
	mux.HandleFunc("GET /auth/youtube/callback", h.HandleYouTubeOAuthCallback)

	return withCORS(withCorrelation(mux), cfg.CORSAllowedOrigins)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 5 * time.Second,
		// no WriteTimeout: /events streams indefinitely
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.String("component", "http"), slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("component", "http"), slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.String("component", "http"), slog.Any("err", err))
		return err
	}
	return nil
}
