package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termdeck/termdeck/internal/shared/events"
)

func testConfig() Config {
	return Config{
		DefaultRows:       24,
		DefaultCols:       80,
		BufferCapacity:    64,
		ConnectTimeout:    2 * time.Second,
		ReconnectAttempts: 2,
		ReconnectDelay:    20 * time.Millisecond,
		CloseGrace:        40 * time.Millisecond,
	}
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func streamStatus(t *testing.T, m *Manager, sessionID string) Status {
	t.Helper()
	info, err := m.Get(sessionID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return info.Status
}

func TestCreateTerminalEcho(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)

	// cat mirrors stdin to stdout, which makes output deterministic.
	info, err := m.CreateTerminal("sess_term", TerminalOptions{Shell: "/bin/cat"})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer m.Close("sess_term")

	if info.Status != StatusConnected {
		t.Fatalf("expected connected, got %s", info.Status)
	}
	if info.Type != TypeTerminal {
		t.Errorf("expected terminal type, got %s", info.Type)
	}

	if err := m.Write("sess_term", []byte("hello\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var collected []string
	waitFor(t, 2*time.Second, "pty echo", func() bool {
		chunks, rerr := m.ReadBuffer("sess_term")
		if rerr != nil {
			return false
		}
		collected = append(collected, chunks...)
		return strings.Contains(strings.Join(collected, ""), "hello")
	})
}

func TestTerminalProcessExit(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)

	if _, err := m.CreateTerminal("sess_exit", TerminalOptions{Shell: "/bin/true"}); err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer m.Close("sess_exit")

	waitFor(t, 2*time.Second, "process exit", func() bool {
		return streamStatus(t, m, "sess_exit") == StatusDisconnected
	})

	// A dead process is terminal for the stream; only transports reconnect.
	err := m.Reconnect(context.Background(), "sess_exit")
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
}

func TestWriteUnknownSession(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)

	if err := m.Write("sess_missing", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.ReadBuffer("sess_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransportEcho(t *testing.T) {
	srv := echoServer(t)
	bus := events.New()
	m := NewManager(testConfig(), bus, nil)

	_, ch := bus.Subscribe(events.TypeStreamData)

	info, err := m.CreateTransport("sess_ws", TransportOptions{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("CreateTransport failed: %v", err)
	}
	defer m.Close("sess_ws")

	if info.Status != StatusConnected {
		t.Fatalf("expected connected, got %s", info.Status)
	}
	if info.Type != TypeClaude {
		t.Errorf("expected claude type default, got %s", info.Type)
	}

	if err := m.Write("sess_ws", []byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.SessionID != "sess_ws" {
				continue
			}
			payload, ok := ev.Payload.(DataEvent)
			if !ok {
				t.Fatalf("expected DataEvent payload, got %T", ev.Payload)
			}
			if payload.Data != "ping" {
				t.Fatalf("expected echo 'ping', got %q", payload.Data)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for echoed data event")
		}
	}
}

func TestTransportConnectTimeout(t *testing.T) {
	// The handler never completes the handshake, so the dial deadline fires.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	m := NewManager(cfg, nil, nil)

	_, err := m.CreateTransport("sess_slow", TransportOptions{URL: wsURL(srv)})
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
}

func TestTransportBuffersWhileDisconnected(t *testing.T) {
	srv := echoServer(t)
	m := NewManager(testConfig(), nil, nil)

	if _, err := m.CreateTransport("sess_buf", TransportOptions{URL: wsURL(srv)}); err != nil {
		t.Fatalf("CreateTransport failed: %v", err)
	}
	defer m.Close("sess_buf")

	srv.CloseClientConnections()
	waitFor(t, 2*time.Second, "disconnect", func() bool {
		return streamStatus(t, m, "sess_buf") == StatusDisconnected
	})

	if err := m.Write("sess_buf", []byte("queued input")); err != nil {
		t.Fatalf("expected buffered write to succeed, got %v", err)
	}

	chunks, err := m.ReadBuffer("sess_buf")
	if err != nil {
		t.Fatalf("ReadBuffer failed: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "queued input" {
		t.Errorf("expected buffered chunk, got %v", chunks)
	}
}

func TestTransportReconnect(t *testing.T) {
	srv := echoServer(t)
	m := NewManager(testConfig(), nil, nil)

	if _, err := m.CreateTransport("sess_re", TransportOptions{URL: wsURL(srv)}); err != nil {
		t.Fatalf("CreateTransport failed: %v", err)
	}
	defer m.Close("sess_re")

	srv.CloseClientConnections()
	waitFor(t, 2*time.Second, "disconnect", func() bool {
		return streamStatus(t, m, "sess_re") == StatusDisconnected
	})

	if err := m.Reconnect(context.Background(), "sess_re"); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if got := streamStatus(t, m, "sess_re"); got != StatusConnected {
		t.Fatalf("expected connected after reconnect, got %s", got)
	}

	info, _ := m.Get("sess_re")
	if info.Metrics.Reconnects != 1 {
		t.Errorf("expected 1 reconnect recorded, got %d", info.Metrics.Reconnects)
	}
}

func TestReconnectExhausted(t *testing.T) {
	srv := echoServer(t)
	m := NewManager(testConfig(), nil, nil)

	if _, err := m.CreateTransport("sess_gone", TransportOptions{URL: wsURL(srv)}); err != nil {
		t.Fatalf("CreateTransport failed: %v", err)
	}

	// Shut the server down entirely so every redial fails.
	srv.CloseClientConnections()
	srv.Close()
	waitFor(t, 2*time.Second, "disconnect", func() bool {
		return streamStatus(t, m, "sess_gone") == StatusDisconnected
	})

	err := m.Reconnect(context.Background(), "sess_gone")
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if got := streamStatus(t, m, "sess_gone"); got != StatusError {
		t.Errorf("expected error status after exhaustion, got %s", got)
	}
}

func TestCloseIdempotentAndGrace(t *testing.T) {
	srv := echoServer(t)
	m := NewManager(testConfig(), nil, nil)

	if _, err := m.CreateTransport("sess_close", TransportOptions{URL: wsURL(srv)}); err != nil {
		t.Fatalf("CreateTransport failed: %v", err)
	}

	if !m.Close("sess_close") {
		t.Fatal("expected first close to succeed")
	}
	if m.Close("sess_close") {
		t.Error("expected repeated close to report false")
	}

	// Within the grace the record resolves, afterwards it is gone.
	if _, err := m.Get("sess_close"); err != nil {
		t.Errorf("expected record within close grace, got %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if _, err := m.Get("sess_close"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after close grace, got %v", err)
	}
}

func TestStats(t *testing.T) {
	srv := echoServer(t)
	m := NewManager(testConfig(), nil, nil)

	if _, err := m.CreateTransport("sess_a", TransportOptions{URL: wsURL(srv)}); err != nil {
		t.Fatalf("CreateTransport failed: %v", err)
	}
	if _, err := m.CreateTransport("sess_b", TransportOptions{URL: wsURL(srv)}); err != nil {
		t.Fatalf("CreateTransport failed: %v", err)
	}
	defer m.CloseAll()

	if err := m.Write("sess_a", []byte("12345")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	stats := m.Stats()
	if stats.TotalStreams != 2 {
		t.Errorf("expected 2 streams, got %d", stats.TotalStreams)
	}
	if stats.ConnectedStreams != 2 {
		t.Errorf("expected 2 connected, got %d", stats.ConnectedStreams)
	}
	if stats.BytesIn != 5 {
		t.Errorf("expected 5 bytes in, got %d", stats.BytesIn)
	}
}
