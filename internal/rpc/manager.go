// Package rpc implements the JSON-RPC transport to the remote runtime. The
// runtime is the WebSocket client: it connects to the endpoint and answers
// the requests sent by the Manager.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Mschirtzinger/burnsync/internal/console"
	"github.com/coder/websocket"
)

var (
	// ErrNoConnection is returned when no peer is connected.
	ErrNoConnection = errors.New("no connection")
	// ErrTimeout is returned when a response does not arrive in time.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionLost is returned for calls pending when their peer closed.
	ErrConnectionLost = errors.New("connection lost")
	// ErrPortInUse is returned by Listen when the port is already bound.
	ErrPortInUse = errors.New("port already in use")
	// ErrInvalidResult is returned when a result fails validation.
	ErrInvalidResult = errors.New("invalid result")
)

// DefaultPort is the port the game connects to by default.
const DefaultPort = 12525

// DefaultTimeout bounds one request.
const DefaultTimeout = 10 * time.Second

// CallObserver receives the outcome of every call.
type CallObserver interface {
	ObserveCall(method string, err error, elapsed time.Duration)
}

// Options configures a Manager.
type Options struct {
	// Host to bind (default: all interfaces).
	Host string
	// Port to listen on. Zero binds any free port; DefaultOptions sets
	// DefaultPort.
	Port int
	// Timeout per request (default: 10s).
	Timeout time.Duration
	// Registry shared across sessions (default: a private one).
	Registry *Registry
	// Logger for connection activity (default: discard).
	Logger *console.Logger
	// Observer, when set, is told about every call.
	Observer CallObserver
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		Port:    DefaultPort,
		Timeout: DefaultTimeout,
	}
}

type peer struct {
	conn *websocket.Conn
}

type reply struct {
	resp Response
	err  error
}

type tracker struct {
	peer *peer
	ch   chan reply
}

// Manager tracks at most one peer (the last one connected) and correlates
// requests with responses by id.
type Manager struct {
	addr     string
	timeout  time.Duration
	registry *Registry
	logger   *console.Logger
	observer CallObserver

	mu             sync.Mutex
	endpoint       *Endpoint
	peer           *peer
	nextID         int64
	trackers       map[int64]*tracker
	onConnected    []func(context.Context)
	onDisconnected []func()

	events chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates a Manager. Listen must be called before peers can connect.
func New(opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = console.Discard()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(opts.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		addr:     net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		timeout:  opts.Timeout,
		registry: opts.Registry,
		logger:   opts.Logger,
		observer: opts.Observer,
		trackers: make(map[int64]*tracker),
		events:   make(chan func(), 16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Listen binds the endpoint and starts accepting peers.
func (m *Manager) Listen() error {
	ep, reused, err := m.registry.Acquire(m.addr)
	if err != nil {
		return err
	}
	ep.claim(m, m.serve)

	m.mu.Lock()
	m.endpoint = ep
	m.mu.Unlock()

	m.wg.Add(1)
	go m.eventLoop()

	if reused {
		m.logger.Debug("conn", "reusing endpoint "+ep.Addr())
	} else {
		m.logger.Debug("conn", "listening on "+ep.Addr())
	}
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endpoint != nil {
		return m.endpoint.Addr()
	}
	return m.addr
}

// Connected reports whether a peer is tracked.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer != nil
}

// OnConnected registers cb to run once per new peer, after the peer is
// tracked. Callbacks run sequentially off the connection goroutine, so
// they may issue calls.
func (m *Manager) OnConnected(cb func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, cb)
}

// OnDisconnected registers cb to run when the tracked peer closes.
func (m *Manager) OnDisconnected(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = append(m.onDisconnected, cb)
}

// Close disconnects the peer, rejects pending calls and releases the
// endpoint unless a later Manager has taken it over.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ep := m.endpoint
	p := m.peer
	m.mu.Unlock()

	m.cancel()
	if p != nil {
		_ = p.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	m.wg.Wait()

	if ep == nil || !ep.ownedBy(m) {
		return nil
	}
	return m.registry.Release(ep)
}

func (m *Manager) eventLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case fn := <-m.events:
			fn()
		}
	}
}

func (m *Manager) enqueue(fn func()) {
	select {
	case m.events <- fn:
	case <-m.ctx.Done():
	}
}

// serve owns one accepted connection until it closes.
func (m *Manager) serve(conn *websocket.Conn) {
	p := &peer{conn: conn}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	m.peer = p
	callbacks := append([]func(context.Context){}, m.onConnected...)
	m.mu.Unlock()

	m.logger.Debug("conn", "peer connected")
	m.enqueue(func() {
		for _, cb := range callbacks {
			cb(m.ctx)
		}
	})

	for {
		typ, data, err := conn.Read(m.ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		m.handleMessage(p, data)
	}

	m.drop(p)
}

// drop forgets p and rejects the calls sent to it.
func (m *Manager) drop(p *peer) {
	m.mu.Lock()
	current := m.peer == p
	if current {
		m.peer = nil
	}
	var lost []*tracker
	for id, t := range m.trackers {
		if t.peer == p {
			delete(m.trackers, id)
			lost = append(lost, t)
		}
	}
	callbacks := append([]func(){}, m.onDisconnected...)
	m.mu.Unlock()

	_ = p.conn.Close(websocket.StatusNormalClosure, "")

	for _, t := range lost {
		t.ch <- reply{err: ErrConnectionLost}
	}
	if current {
		m.logger.Debug("conn", "peer disconnected")
		for _, cb := range callbacks {
			cb()
		}
	}
}

// handleMessage settles the call answered by data. Only the peer a call
// was sent to may settle it.
func (m *Manager) handleMessage(from *peer, data []byte) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		m.logger.Warn("conn", fmt.Sprintf("malformed response: %v", err))
		return
	}
	if resp.ID == nil {
		return
	}

	m.mu.Lock()
	t, ok := m.trackers[*resp.ID]
	if ok && t.peer != from {
		ok = false
	}
	if ok {
		delete(m.trackers, *resp.ID)
	}
	m.mu.Unlock()

	if ok {
		t.ch <- reply{resp: resp}
	}
}

// settle removes the tracker for id and reports whether the caller won.
func (m *Manager) settle(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trackers[id]; !ok {
		return false
	}
	delete(m.trackers, id)
	return true
}

// Call sends method with params and decodes the result into out. A nil
// result, an error payload, a timeout or the loss of the peer fail the
// call; responses arriving afterwards are dropped.
func (m *Manager) Call(ctx context.Context, method string, params any, out any) (err error) {
	start := time.Now()
	if m.observer != nil {
		defer func() { m.observer.ObserveCall(method, err, time.Since(start)) }()
	}

	m.mu.Lock()
	p := m.peer
	if p == nil {
		m.mu.Unlock()
		return ErrNoConnection
	}
	m.nextID++
	id := m.nextID
	t := &tracker{peer: p, ch: make(chan reply, 1)}
	m.trackers[id] = t
	m.mu.Unlock()

	data, err := json.Marshal(Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		m.settle(id)
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := p.conn.Write(callCtx, websocket.MessageText, data); err != nil {
		if m.settle(id) {
			return fmt.Errorf("failed to send %s: %w", method, err)
		}
		return m.finish(method, <-t.ch, out)
	}

	select {
	case r := <-t.ch:
		return m.finish(method, r, out)
	case <-callCtx.Done():
		if !m.settle(id) {
			return m.finish(method, <-t.ch, out)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w after %dms", method, ErrTimeout, m.timeout.Milliseconds())
	}
}

func (m *Manager) finish(method string, r reply, out any) error {
	if r.err != nil {
		return r.err
	}
	if hasError(r.resp.Error) {
		return newRemoteError(method, r.resp.Error)
	}
	if isNull(r.resp.Result) {
		return fmt.Errorf("%s: %w: null result", method, ErrInvalidResult)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.resp.Result, out); err != nil {
		return fmt.Errorf("%s: %w: %v", method, ErrInvalidResult, err)
	}
	return nil
}

func (m *Manager) callOK(ctx context.Context, method string, params any) error {
	var result string
	if err := m.Call(ctx, method, params, &result); err != nil {
		return err
	}
	if result != "OK" {
		return fmt.Errorf("%s: %w: expected \"OK\", got %q", method, ErrInvalidResult, result)
	}
	return nil
}

// PushFile writes a file on a server.
func (m *Manager) PushFile(ctx context.Context, params PushFileParams) error {
	return m.callOK(ctx, MethodPushFile, params)
}

// GetFile reads a file from a server.
func (m *Manager) GetFile(ctx context.Context, params FileParams) (string, error) {
	var content string
	if err := m.Call(ctx, MethodGetFile, params, &content); err != nil {
		return "", err
	}
	return content, nil
}

// DeleteFile removes a file from a server.
func (m *Manager) DeleteFile(ctx context.Context, params FileParams) error {
	return m.callOK(ctx, MethodDeleteFile, params)
}

// GetFileNames lists the files of a server.
func (m *Manager) GetFileNames(ctx context.Context, params ServerParams) ([]string, error) {
	var names []string
	if err := m.Call(ctx, MethodGetFileNames, params, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// GetAllFiles returns every file of a server with its content.
func (m *Manager) GetAllFiles(ctx context.Context, params ServerParams) ([]FileContent, error) {
	var files []FileContent
	if err := m.Call(ctx, MethodGetAllFiles, params, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// CalculateRAM returns the RAM cost of a script in GB.
func (m *Manager) CalculateRAM(ctx context.Context, params FileParams) (float64, error) {
	var ram float64
	if err := m.Call(ctx, MethodCalculateRAM, params, &ram); err != nil {
		return 0, err
	}
	return ram, nil
}

// GetDefinitionFile returns the runtime's type definition file.
func (m *Manager) GetDefinitionFile(ctx context.Context) (string, error) {
	var content string
	if err := m.Call(ctx, MethodGetDefinitionFile, nil, &content); err != nil {
		return "", err
	}
	return content, nil
}
