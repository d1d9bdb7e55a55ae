// Package api hosts the HTTP control surface: camera settings, region
// selection, status, the MJPEG preview stream, and the websocket sample feed.
package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/starfocus/internal/focus"
	"github.com/mikeyg42/starfocus/internal/history"
	"github.com/mikeyg42/starfocus/internal/settings"
	"github.com/mikeyg42/starfocus/internal/stream"
)

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *zap.Logger
}

// NewServer wires every handler onto one mux behind the CORS middleware.
// The hub may be nil when the websocket feed is disabled.
func NewServer(addr string, store *settings.Store, hist *history.Ring, cast *stream.Broadcaster, loop LoopStatus, method focus.Method, hub *Hub) *Server {
	mux := http.NewServeMux()

	NewSettingsHandler(store).RegisterRoutes(mux)
	NewStatusHandler(loop, hist, cast, method).RegisterRoutes(mux)
	NewStreamHandler(cast).RegisterRoutes(mux)
	if hub != nil {
		mux.HandleFunc("/api/ws", hub.HandleWS)
	}

	// Health check endpoint
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	handler := corsMiddleware(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// No WriteTimeout: /stream and /api/ws responses stay open
			// for as long as the viewer watches.
			MaxHeaderBytes: 1 << 20, // 1 MB
		},
		mux:    mux,
		logger: zap.L().Named("api"),
	}
}

// corsMiddleware adds CORS headers to allow cross-origin requests
func corsMiddleware(next http.Handler) http.Handler {
	// Whitelist of allowed origins
	allowedOrigins := map[string]bool{
		"http://localhost:8080": true,
		"http://localhost:8081": true,
		"http://localhost:3000": true,
		"http://127.0.0.1:8080": true,
		"http://127.0.0.1:8081": true,
		"http://127.0.0.1:3000": true,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Only set CORS headers for whitelisted origins
		if origin != "" && allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("starting api server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down api server")
	return s.httpServer.Shutdown(ctx)
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", zap.Error(err))
		}
	}()
}
