// Package testutil provides shared fixtures for integration tests: a
// server configuration tuned for fast teardown, websocket helpers for
// the multiplexed terminal protocol, and JSON request helpers for the
// REST surface.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/infrastructure/config"
	"github.com/termdeck/termdeck/internal/shared/protocol"
)

// TestConfig returns server configuration tuned for tests: /bin/cat as
// the shell (echoes whatever it reads), short grace windows so closed
// records disappear quickly, rate limiting off.
func TestConfig() *config.Config {
	cfg := config.Default()
	cfg.Stream.Shell = "/bin/cat"
	cfg.Stream.CloseGrace = 200 * time.Millisecond
	cfg.Session.CloseGrace = 300 * time.Millisecond
	cfg.Session.SweepInterval = time.Second
	cfg.RateLimit.Enabled = false
	return cfg
}

// DialStream opens a websocket connection to the multiplexed terminal
// endpoint of a server rooted at baseURL.
func DialStream(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

// SendEnvelope encodes one protocol envelope and writes it to the socket.
func SendEnvelope(t *testing.T, conn *websocket.Conn, sessionID, msgType string, payload interface{}) {
	t.Helper()
	env, err := protocol.New(sessionID, msgType, payload)
	require.NoError(t, err)
	raw, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// ReadEnvelope reads the next envelope with a bounded deadline.
func ReadEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

// WaitType reads envelopes until one of the wanted type arrives,
// skipping interleaved traffic such as data chunks.
func WaitType(t *testing.T, conn *websocket.Conn, msgType string) *protocol.Envelope {
	t.Helper()
	for i := 0; i < 64; i++ {
		env := ReadEnvelope(t, conn)
		if env.Type == msgType {
			return env
		}
	}
	t.Fatalf("no %q envelope arrived", msgType)
	return nil
}

// CollectData accumulates data payloads until want appears in the
// combined output. PTY output arrives in arbitrary chunk boundaries.
func CollectData(t *testing.T, conn *websocket.Conn, want string) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < 64; i++ {
		env := ReadEnvelope(t, conn)
		if env.Type != protocol.TypeData {
			continue
		}
		var p protocol.DataPayload
		require.NoError(t, env.DecodePayload(&p))
		sb.WriteString(p.Data)
		if strings.Contains(sb.String(), want) {
			return sb.String()
		}
	}
	t.Fatalf("output never contained %q, got %q", want, sb.String())
	return ""
}

// DoJSON performs an HTTP request with an optional JSON body, decodes
// the JSON response into out when out is non-nil, and returns the status
// code.
func DoJSON(t *testing.T, client *http.Client, method, url string, body, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp.StatusCode
}
