package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/Mschirtzinger/burnsync/internal/console"
	"github.com/coder/websocket"
)

// maxFrameSize bounds one incoming frame; getAllFiles answers carry whole
// home directories.
const maxFrameSize = 1 << 26

// Endpoint is a listening WebSocket server. Accepted connections are handed
// to the current handler.
type Endpoint struct {
	addr     string
	listener net.Listener
	server   *http.Server
	logger   *console.Logger

	mu      sync.Mutex
	owner   any
	handler func(*websocket.Conn)
	conns   map[*websocket.Conn]struct{}

	wg sync.WaitGroup
}

// Addr returns the bound address.
func (e *Endpoint) Addr() string {
	return e.listener.Addr().String()
}

// Port returns the bound port.
func (e *Endpoint) Port() int {
	if tcp, ok := e.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// claim routes new connections to h on behalf of owner.
func (e *Endpoint) claim(owner any, h func(*websocket.Conn)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.owner = owner
	e.handler = h
}

func (e *Endpoint) ownedBy(owner any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner == owner
}

func (e *Endpoint) serve() {
	defer e.wg.Done()
	if err := e.server.Serve(e.listener); err != nil && err != http.ErrServerClosed {
		e.logger.Error("conn", fmt.Sprintf("server error: %v", err))
	}
}

// ServeHTTP upgrades every request to a WebSocket connection.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		e.logger.Debug("conn", fmt.Sprintf("upgrade failed: %v", err))
		return
	}
	conn.SetReadLimit(maxFrameSize)

	e.mu.Lock()
	h := e.handler
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.conns, conn)
		e.mu.Unlock()
	}()

	if h == nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "not ready")
		return
	}
	h(conn)
}

func (e *Endpoint) close() error {
	e.mu.Lock()
	for conn := range e.conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(e.conns, conn)
	}
	e.owner = nil
	e.handler = nil
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	e.wg.Wait()
	return nil
}

// Registry holds the live endpoint of the process. Acquiring a different
// address closes the previous endpoint; acquiring the same one reuses it,
// so a restarted session keeps the game connected to the same port.
type Registry struct {
	mu      sync.Mutex
	current *Endpoint
	logger  *console.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *console.Logger) *Registry {
	if logger == nil {
		logger = console.Discard()
	}
	return &Registry{logger: logger}
}

// Acquire returns an endpoint bound to addr. reused is true when the
// current endpoint already serves addr. A bound port yields ErrPortInUse.
func (r *Registry) Acquire(addr string) (ep *Endpoint, reused bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		if r.current.addr == addr {
			return r.current, true, nil
		}
		if err := r.current.close(); err != nil {
			r.logger.Warn("conn", err.Error())
		}
		r.current = nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, false, fmt.Errorf("%w: %s", ErrPortInUse, addr)
		}
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ep = &Endpoint{
		addr:     addr,
		listener: ln,
		logger:   r.logger,
		conns:    make(map[*websocket.Conn]struct{}),
	}
	ep.server = &http.Server{
		Handler:           ep,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ep.wg.Add(1)
	go ep.serve()

	r.current = ep
	return ep, false, nil
}

// Release closes ep if it is the current endpoint.
func (r *Registry) Release(ep *Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep == nil || r.current != ep {
		return nil
	}
	r.current = nil
	return ep.close()
}

// Current returns the live endpoint, if any.
func (r *Registry) Current() *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
