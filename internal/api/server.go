package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	merrors "github.com/shizukutanaka/batman/internal/errors"
	"github.com/shizukutanaka/batman/internal/monitoring"
)

const defaultErrorLimit = 50

// HealthSource is the read side of the mesh monitor.
type HealthSource interface {
	MeshHealth() monitoring.MeshHealthSnapshot
	NodeHealth(nodeID string) monitoring.NodeHealth
	Stats() monitoring.Stats
	Subscribe() (<-chan monitoring.MeshHealthSnapshot, func())
}

// ErrorSource exposes the error history.
type ErrorSource interface {
	Recent(limit int) []merrors.Record
	Stats() merrors.Stats
}

// Config defines API server configuration
type Config struct {
	ListenAddr   string
	AllowOrigins []string
	Version      string
}

// Response represents API response format
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// Server provides the HTTP status API and a WebSocket health feed.
type Server struct {
	logger    *zap.Logger
	config    Config
	health    HealthSource
	errors    ErrorSource
	router    *mux.Router
	upgrader  websocket.Upgrader
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	clients  map[*websocket.Conn]struct{}
}

// NewServer creates a new API server
func NewServer(config Config, logger *zap.Logger, health HealthSource, errs ErrorSource) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8081"
	}

	s := &Server{
		logger:    logger,
		config:    config,
		health:    health,
		errors:    errs,
		startTime: time.Now(),
		clients:   make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	s.setupRoutes()
	return s
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("API server already started")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server", zap.String("listen_addr", ln.Addr().String()))

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}(s.server)

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully stops the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	for client := range s.clients {
		client.Close()
	}
	s.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.recoveryMiddleware)
	api.Use(s.corsMiddleware)
	api.Use(s.loggingMiddleware)

	// OPTIONS must match for the preflight to reach corsMiddleware
	api.HandleFunc("/health", s.handleMeshHealth).Methods("GET", "OPTIONS")
	api.HandleFunc("/health/{node_id}", s.handleNodeHealth).Methods("GET", "OPTIONS")
	api.HandleFunc("/errors", s.handleErrors).Methods("GET", "OPTIONS")
	api.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")

	api.HandleFunc("/ws", s.handleWebSocket)
}

// Handlers

func (s *Server) handleMeshHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.health.MeshHealth()

	status := http.StatusOK
	if snapshot.TotalNodes > 0 && snapshot.UpNodes == 0 {
		status = http.StatusServiceUnavailable
	}

	s.sendJSON(w, status, Response{
		Success: status == http.StatusOK,
		Data:    snapshot,
		Time:    time.Now(),
	})
}

func (s *Server) handleNodeHealth(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    s.health.NodeHealth(nodeID),
		Time:    time.Now(),
	})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit := defaultErrorLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"errors": s.errors.Recent(limit),
			"stats":  s.errors.Stats(),
		},
		Time: time.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"service": "batman",
			"version": s.config.Version,
			"uptime":  time.Since(s.startTime).Seconds(),
			"monitor": s.health.Stats(),
			"errors":  s.errors.Stats(),
		},
		Time: time.Now(),
	})
}

// wsMessage is the envelope for WebSocket traffic in both directions.
type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
	Time time.Time   `json:"time"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	s.logger.Info("WebSocket client connected", zap.String("remote_addr", conn.RemoteAddr().String()))

	updates, unsubscribe := s.health.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	requests := make(chan wsMessage)
	go s.readMessages(conn, requests, done)

	if !s.send(conn, "health_update", s.health.MeshHealth()) {
		return
	}

	// all writes happen on this goroutine
	for {
		select {
		case snapshot, ok := <-updates:
			if !ok || !s.send(conn, "health_update", snapshot) {
				return
			}
		case msg, ok := <-requests:
			if !ok {
				return
			}
			switch msg.Type {
			case "get_health":
				if !s.send(conn, "health_update", s.health.MeshHealth()) {
					return
				}
			case "ping":
				if !s.send(conn, "pong", nil) {
					return
				}
			}
		}
	}
}

func (s *Server) readMessages(conn *websocket.Conn, out chan<- wsMessage, done <-chan struct{}) {
	defer close(out)
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.logger.Debug("WebSocket client disconnected", zap.Error(err))
			return
		}
		select {
		case out <- msg:
		case <-done:
			return
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msgType string, data interface{}) bool {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(wsMessage{Type: msgType, Data: data, Time: time.Now()}); err != nil {
		s.logger.Debug("Failed to send WebSocket message", zap.Error(err))
		return false
	}
	return true
}

// sendJSON sends JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// sendError sends error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{
		Success: false,
		Error:   message,
		Time:    time.Now(),
	})
}
