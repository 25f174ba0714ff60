// Package channel exposes the gateway over HTTP: the real-time WebSocket
// endpoint, the login and status routes, platform webhooks and metrics.
package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"unigate/internal/config"
	"unigate/internal/domain"
	"unigate/internal/gateway"
	"unigate/internal/metrics"
	"unigate/internal/session"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// ServerConfig wires a Server.
type ServerConfig struct {
	Gateway        *gateway.Gateway
	Addr           string
	AllowedOrigins []string
	Auth           config.AuthConfig
	WebSocket      config.WebSocketConfig
	// MetricsPath serves the Prometheus endpoint when non-empty.
	MetricsPath string
	// Webhooks maps a path to a platform's inbound webhook. Webhooks carry
	// their own signatures and bypass basic auth.
	Webhooks map[string]http.Handler
	Logger   *slog.Logger
}

// Server is the HTTP and WebSocket surface of the gateway.
type Server struct {
	gw       *gateway.Gateway
	addr     string
	origins  originPolicy
	auth     config.AuthConfig
	ws       config.WebSocketConfig
	upgrader websocket.Upgrader
	handler  http.Handler
	server   *http.Server
	logger   *slog.Logger

	// Requests outlive the HTTP handler that submitted them; they run
	// under ctx, cancelled when the server stops.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sockets map[*websocket.Conn]struct{}
	wg      sync.WaitGroup
}

// NewServer creates a Server. Call Start to listen, or use Handler directly.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	def := config.Defaults().Server.WebSocket
	if cfg.WebSocket.MaxMessageBytes <= 0 {
		cfg.WebSocket.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.WebSocket.PingIntervalSeconds <= 0 {
		cfg.WebSocket.PingIntervalSeconds = def.PingIntervalSeconds
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		gw:      cfg.Gateway,
		addr:    cfg.Addr,
		origins: newOriginPolicy(cfg.AllowedOrigins),
		auth:    cfg.Auth,
		ws:      cfg.WebSocket,
		logger:  cfg.Logger.With("component", "server"),
		ctx:     ctx,
		cancel:  cancel,
		sockets: make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     s.origins.allows,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.requireAuth(s.handleWebSocket))
	mux.HandleFunc("POST /login/{platform}", s.requireAuth(s.handleLogin))
	mux.HandleFunc("GET /login/{platform}", s.requireAuth(s.handlePairingToken))
	mux.HandleFunc("DELETE /login/{platform}", s.requireAuth(s.handleReset))
	mux.HandleFunc("GET /auth/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("GET /healthz", s.handleHealth) // public endpoint
	if cfg.MetricsPath != "" {
		mux.HandleFunc("GET "+cfg.MetricsPath, metrics.Collector.Handler())
	}
	for path, h := range cfg.Webhooks {
		mux.Handle(path, h)
	}
	s.handler = s.cors(mux)
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway listening", "addr", "http://"+s.addr, "auth", s.auth.Enabled)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		s.Stop()
		return err
	}
}

// Stop closes every WebSocket, cancels in-flight requests and shuts the
// listener down.
func (s *Server) Stop() error {
	s.cancel()
	s.closeSockets()
	s.wg.Wait()
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(user, pass) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="unigate"`)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

// checkCredentials verifies username and password against the bcrypt hash.
func (s *Server) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(s.auth.Username)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.auth.PasswordHash), []byte(pass)) == nil
}

type loginResponse struct {
	Platform domain.Platform     `json:"platform"`
	State    domain.SessionState `json:"state"`
	Error    string              `json:"error,omitempty"`
	Code     string              `json:"code,omitempty"`
}

func (s *Server) handleLogin(rw http.ResponseWriter, r *http.Request) {
	p, ok := s.platform(rw, r)
	if !ok {
		return
	}

	var creds domain.Credentials
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "cannot read body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &creds); err != nil {
			writeError(rw, http.StatusBadRequest, "invalid credentials payload")
			return
		}
	}

	state, err := s.gw.Login(r.Context(), p, creds)
	if err != nil {
		metrics.Request("http_login", "error").Inc()
		writeJSON(rw, loginStatus(err), loginResponse{
			Platform: p, State: state, Error: err.Error(), Code: domain.ErrorCode(err),
		})
		return
	}
	metrics.Request("http_login", "ok").Inc()

	code := http.StatusOK
	if state.Phase == domain.Pairing {
		code = http.StatusAccepted
	}
	writeJSON(rw, code, loginResponse{Platform: p, State: state})
}

// handlePairingToken returns the current pairing token, 410 if the last
// pairing expired unscanned and 404 if none is pending.
func (s *Server) handlePairingToken(rw http.ResponseWriter, r *http.Request) {
	p, ok := s.platform(rw, r)
	if !ok {
		return
	}
	state := s.gw.PlatformStatus(p)
	if state.Phase == domain.Failed && state.Code == domain.ErrorCode(domain.ErrPairingExpired) {
		writeJSON(rw, http.StatusGone, loginResponse{Platform: p, State: state, Error: state.Reason, Code: state.Code})
		return
	}
	if state.Phase != domain.Pairing || state.Pairing == nil {
		writeError(rw, http.StatusNotFound, "no pairing token pending")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"platform": p,
		"token":    state.Pairing,
	})
}

// handleReset returns a failed platform to unauthenticated so it can log in again.
func (s *Server) handleReset(rw http.ResponseWriter, r *http.Request) {
	p, ok := s.platform(rw, r)
	if !ok {
		return
	}
	if !s.gw.Reset(p) {
		writeError(rw, http.StatusConflict, "platform is not in the failed state")
		return
	}
	writeJSON(rw, http.StatusOK, s.gw.PlatformStatus(p))
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"platforms":   s.gw.Status(),
		"connections": s.gw.Connections().Count(),
	})
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": metrics.Collector.Uptime().Round(time.Second).String(),
	})
}

// platform resolves the {platform} path value, accepting legacy names.
func (s *Server) platform(rw http.ResponseWriter, r *http.Request) (domain.Platform, bool) {
	p, err := domain.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		writeError(rw, http.StatusNotFound, err.Error())
		return "", false
	}
	return p, true
}

func loginStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrAlreadyAuthenticated):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, code int, msg string) {
	writeJSON(rw, code, map[string]string{"error": msg})
}
