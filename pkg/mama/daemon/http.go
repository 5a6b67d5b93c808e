package daemon

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jholhewres/mama/pkg/mama/config"
	"github.com/jholhewres/mama/pkg/mama/scheduler"
)

// wsWriteTimeout bounds a single websocket event write. A client that
// stops draining gets disconnected instead of pinning the handler.
const wsWriteTimeout = 10 * time.Second

// API is the slice of the daemon the HTTP façade serves. Keeping it an
// interface lets the server run against a stub in tests.
type API interface {
	// Status returns the live daemon snapshot.
	Status() Status

	// Chat runs one agent turn for the mobile chat surface.
	Chat(ctx context.Context, message, channel string) (*ChatResult, error)

	// SubscribeEvents registers a live event channel. The returned
	// func unsubscribes and closes it.
	SubscribeEvents() (chan Event, func())
}

// Status is the /status payload.
type Status struct {
	Name      string                   `json:"name"`
	PID       int                      `json:"pid"`
	StartedAt time.Time                `json:"started_at"`
	Uptime    string                   `json:"uptime"`
	Sessions  int                      `json:"sessions"`
	Gateways  map[string]GatewayStatus `json:"gateways"`
	Schedules []scheduler.Schedule     `json:"schedules,omitempty"`
}

// GatewayStatus is one gateway's health in the /status payload.
type GatewayStatus struct {
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"last_message_at"`
	ErrorCount    int       `json:"error_count"`
}

// ChatResult is the /api/chat response payload.
type ChatResult struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id,omitempty"`
	Turns     int    `json:"turns"`
}

// Server is the local HTTP façade: health probe, status snapshot, mobile
// chat endpoint, and a websocket event stream.
type Server struct {
	cfg    config.HTTPConfig
	api    API
	logger *slog.Logger
	server *http.Server
}

// NewServer builds the façade around the daemon API.
func NewServer(cfg config.HTTPConfig, api API, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg.Effective(),
		api:    api,
		logger: logger.With("component", "http"),
	}
}

// routes builds the route table honoring the endpoint toggles. Disabled
// endpoints are simply not registered and answer 404.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// ── Public routes ──
	mux.HandleFunc("/healthz", s.handleHealthz)

	// ── Protected routes ──
	mux.HandleFunc("/status", s.authMiddleware(s.handleStatus))
	if !s.cfg.DisableMobileChat {
		mux.HandleFunc("/api/chat", s.authMiddleware(s.handleChat))
	}
	if !s.cfg.DisableWebSocket {
		mux.HandleFunc("/ws", s.authMiddleware(s.handleWS))
	}
	return mux
}

// Start begins serving. Returns immediately; listener errors go to the
// log.
func (s *Server) Start(ctx context.Context) error {
	mux := s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("http server starting", "port", s.cfg.Port)
	if s.cfg.AuthToken == "" {
		s.logger.Warn("http auth token not set, endpoints are open")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down, waiting briefly for in-flight requests.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	s.logger.Info("http server stopped")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.api.Status())
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		Message string `json:"message"`
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	result, err := s.api.Chat(r.Context(), body.Message, body.Channel)
	if err != nil {
		s.logger.Error("chat request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": Sanitize(err.Error())})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleWS upgrades to a websocket and relays daemon events until the
// client goes away. The stream is write-only; CloseRead signals client
// disconnect through the returned context.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	events, unsubscribe := s.api.SubscribeEvents()
	defer unsubscribe()

	ctx := c.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, c, evt)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// ── Middleware ──

// authMiddleware validates the bearer token when one is configured.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}
		if !compareTokens(extractToken(r), s.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// compareTokens hashes both inputs with SHA-256 before the constant-time
// compare so token length leaks nothing.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// extractToken pulls the auth token from the Authorization header, then
// the query string (websocket clients), then the cookie.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if cookie, err := r.Cookie("mama_token"); err == nil {
		return cookie.Value
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
