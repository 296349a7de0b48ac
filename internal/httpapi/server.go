package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/capstanhq/capstan/pkg/gateway"
	"github.com/capstanhq/capstan/pkg/script"
)

// ScriptRunner executes submitted scripts. Implemented by script.Runner.
type ScriptRunner interface {
	Run(ctx context.Context, src string, vars map[string]any, timeout time.Duration) script.Result
}

// Invoker executes single capability invocations. Implemented by
// gateway.Executor.
type Invoker interface {
	Invoke(ctx context.Context, name string, params map[string]any) (any, error)
}

// Server is the HTTP surface of the capability service.
type Server struct {
	host           string
	port           int
	source         gateway.Source
	invoker        Invoker
	runner         ScriptRunner
	server         *http.Server
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	broadcaster    *EventBroadcaster
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host    string
	Port    int
	Source  gateway.Source
	Invoker Invoker
	Runner  ScriptRunner
	Logger  zerolog.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("capability source is required")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("script runner is required")
	}

	clients := NewClientRegistry()

	return &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		source:      cfg.Source,
		invoker:     cfg.Invoker,
		runner:      cfg.Runner,
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, cfg.Logger),
		logger:      cfg.Logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Broadcaster returns the event broadcaster for reload notifications.
func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/capabilities", s.handleCapabilities)
	mux.HandleFunc("/invoke", s.handleInvoke)
	mux.HandleFunc("/script", s.handleScript)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("host", s.host).Int("port", s.port).Msg("Starting HTTP server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down HTTP server")

	// Wait for in-flight requests with timeout
	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// handleCapabilities serves the capability listing with conditional
// retrieval. The listing hash doubles as the ETag; ?reload=1 forces a
// rescan before answering.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	force := r.URL.Query().Get("reload") == "1"
	snap, err := s.source.Ensure(force)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Capability refresh failed, serving previous set")
		snap = s.source.Current()
	}

	listing, hash := snap.List()
	etag := `"` + hash + `"`

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": listing,
		"count":        len(listing),
		"hash":         hash,
	})
}

type invokeRequest struct {
	Capability string         `json:"capability"`
	Tool       string         `json:"tool"` // legacy alias for capability
	Params     map[string]any `json:"params"`
}

func (r *invokeRequest) name() string {
	if r.Capability != "" {
		return r.Capability
	}
	return r.Tool
}

// handleInvoke executes one capability invocation.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, gateway.NewError(gateway.KindInvalidParameters, "invalid request body"))
		return
	}
	if req.name() == "" {
		s.writeError(w, gateway.NewError(gateway.KindInvalidParameters, "capability name is required"))
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	result, err := s.invoker.Invoke(r.Context(), req.name(), req.Params)
	if err != nil {
		s.writeError(w, gateway.AsError(err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}

type scriptRequest struct {
	Script         string         `json:"script"`
	Variables      map[string]any `json:"variables"`
	TimeoutSeconds float64        `json:"timeoutSeconds"`
}

// handleScript validates and executes a multi-capability script.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	var req scriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, gateway.NewError(gateway.KindInvalidParameters, "invalid request body"))
		return
	}
	if req.Script == "" {
		s.writeError(w, gateway.NewError(gateway.KindInvalidParameters, "script is required"))
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	res := s.runner.Run(r.Context(), req.Script, req.Variables, timeout)

	status := http.StatusOK
	if !res.Success && res.Error != nil {
		status = res.Error.HTTPStatus()
	}
	s.writeJSON(w, status, res)
}

// handleWebSocket registers a subscriber for reload events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", client.ID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.readLoop(client)
}

// readLoop drains inbound frames until the client disconnects. Clients
// only subscribe; anything they send is ignored.
func (s *Server) readLoop(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, gerr *gateway.Error) {
	s.writeJSON(w, gerr.HTTPStatus(), map[string]any{
		"success": false,
		"error":   gerr,
	})
}
