// Package status serves the state of a running watch session over HTTP.
//
// Endpoints:
//   - /health   JSON snapshot (connection, pending files, endpoint)
//   - /metrics  Prometheus metrics, when configured
//   - /events   WebSocket stream of sync outcomes and connection changes
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Mschirtzinger/burnsync/internal/console"
	"github.com/coder/websocket"
)

// MessageType defines the type of status message
type MessageType string

const (
	// MessageTypeSync reports one per-destination sync outcome
	MessageTypeSync MessageType = "sync"

	// MessageTypeConnection reports the game connecting or disconnecting
	MessageTypeConnection MessageType = "connection"

	// MessageTypeSnapshot is sent to every new client
	MessageTypeSnapshot MessageType = "snapshot"
)

// Message is one event sent to /events clients
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncData describes one sync outcome
type SyncData struct {
	Action   string `json:"action"`
	File     string `json:"file"`
	Server   string `json:"server,omitempty"`
	Filename string `json:"filename,omitempty"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
}

// ConnectionData describes a connection change
type ConnectionData struct {
	Connected bool `json:"connected"`
}

// State is the snapshot served by /health
type State struct {
	Connected bool   `json:"connected"`
	Pending   int    `json:"pending"`
	Root      string `json:"root"`
	Endpoint  string `json:"endpoint"`
}

// Server serves health, metrics and events
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	state    func() State
	metrics  http.Handler

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *console.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:9125"
	Addr string

	// State returns the current snapshot (default: zero State)
	State func() State

	// Metrics serves /metrics when set
	Metrics http.Handler

	// Logger for server activity (default: discard)
	Logger *console.Logger
}

// NewServer creates a status server
func NewServer(config Config) *Server {
	if config.Logger == nil {
		config.Logger = console.Discard()
	}
	if config.State == nil {
		config.State = func() State { return State{} }
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		state:     config.State,
		metrics:   config.Metrics,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins serving
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("status", "listening on http://"+ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("status", "server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Publish queues a message for every /events client
func (s *Server) Publish(msgType MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Errorf("status", "failed to marshal message: %v", err)
		return
	}
	msg := Message{Type: msgType, Timestamp: time.Now(), Data: raw}

	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Debug("status", "broadcast channel full, dropping message")
	}
}

// PublishSync queues a sync outcome
func (s *Server) PublishSync(data SyncData) {
	s.Publish(MessageTypeSync, data)
}

// PublishConnection queues a connection change
func (s *Server) PublishConnection(connected bool) {
	s.Publish(MessageTypeConnection, ConnectionData{Connected: connected})
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Errorf("status", "failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("status", fmt.Sprintf("upgrade failed: %v", err))
		return
	}

	snapshot, _ := json.Marshal(s.state())
	welcome, _ := json.Marshal(Message{
		Type:      MessageTypeSnapshot,
		Timestamp: time.Now(),
		Data:      snapshot,
	})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	// Registered after the snapshot so it is always the first message.
	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	go s.readLoop(conn)
}

// readLoop detects client disconnects; client messages are ignored
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	s.clientsMu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
		State
	}{
		Status:  "ok",
		Clients: clientCount,
		State:   s.state(),
	})
}

// Addr returns the listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of /events clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
