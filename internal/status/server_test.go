package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startServer(t *testing.T, config Config) *Server {
	t.Helper()
	if config.Addr == "" {
		config.Addr = "127.0.0.1:0"
	}
	server := NewServer(config)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func waitClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(Config{Addr: "127.0.0.1:0"})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.Addr(); addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("Unexpected server address %q", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestHealth(t *testing.T) {
	server := startServer(t, Config{
		State: func() State {
			return State{Connected: true, Pending: 2, Root: "/proj", Endpoint: "[::]:12525"}
		},
	})

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status    string `json:"status"`
		Clients   int    `json:"clients"`
		Connected bool   `json:"connected"`
		Pending   int    `json:"pending"`
		Root      string `json:"root"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body.Status != "ok" || !body.Connected || body.Pending != 2 || body.Root != "/proj" {
		t.Errorf("Unexpected health %+v", body)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "burnsync_connected 1\n")
	})
	server := startServer(t, Config{Metrics: metrics})

	resp, err := http.Get("http://" + server.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "burnsync_connected 1") {
		t.Errorf("Unexpected metrics body %q", data)
	}
}

func TestMetricsRouteAbsent(t *testing.T) {
	server := startServer(t, Config{})

	resp, err := http.Get("http://" + server.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 without metrics, got %d", resp.StatusCode)
	}
}

func TestEvents(t *testing.T) {
	server := startServer(t, Config{
		State: func() State { return State{Pending: 1} },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/events", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeSnapshot {
		t.Fatalf("Expected snapshot first, got %s", msg.Type)
	}
	var state State
	if err := json.Unmarshal(msg.Data, &state); err != nil || state.Pending != 1 {
		t.Errorf("Snapshot state = %+v, %v", state, err)
	}

	waitClients(t, server, 1)
	server.PublishSync(SyncData{Action: "push", File: "src/a.ts", Server: "home", Filename: "a.js", Outcome: "done"})

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read sync message: %v", err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeSync {
		t.Fatalf("Expected sync message, got %s", msg.Type)
	}
	var sync SyncData
	if err := json.Unmarshal(msg.Data, &sync); err != nil {
		t.Fatalf("Failed to unmarshal sync data: %v", err)
	}
	if sync.File != "src/a.ts" || sync.Outcome != "done" {
		t.Errorf("Unexpected sync data %+v", sync)
	}

	server.PublishConnection(false)
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read connection message: %v", err)
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MessageTypeConnection {
		t.Errorf("Expected connection message, got %s (%v)", msg.Type, err)
	}
}

func TestEvents_ClientDisconnect(t *testing.T) {
	server := startServer(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/events", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	waitClients(t, server, 1)

	conn.Close(websocket.StatusNormalClosure, "")
	waitClients(t, server, 0)
}
