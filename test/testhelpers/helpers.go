// Package testhelpers provides common utilities for end-to-end tests of the
// GoChat Live server.
//
// It starts a hub behind an httptest server and wraps WebSocket connections
// so tests can exchange protocol events without dealing with frame batching.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/Tyrowin/gochat-live/internal/server"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

// DefaultTimeout bounds every read performed by the helpers.
const DefaultTimeout = 3 * time.Second

// TestServer is a running hub and HTTP server pair.
type TestServer struct {
	Hub    *server.Hub
	HTTP   *httptest.Server
	Origin string
}

// StartServer builds a hub from the default configuration with throttling
// off and the server's own URL as the only allowed origin, lets customize
// adjust it, and serves the application routes. Everything is torn down with
// the test.
func StartServer(t *testing.T, customize func(cfg *server.Config)) *TestServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	origin := "http://" + listener.Addr().String()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{origin}
	cfg.RateLimit = server.RateLimitConfig{}
	if customize != nil {
		customize(cfg)
	}

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	hub, err := server.NewHub(cfg, log)
	require.NoError(t, err)
	server.StartHub(hub, log)

	ts := httptest.NewUnstartedServer(server.SetupRoutes(hub, log))
	_ = ts.Listener.Close()
	ts.Listener = listener
	ts.Start()

	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(time.Second)
	})
	return &TestServer{Hub: hub, HTTP: ts, Origin: origin}
}

// WebSocketURL returns the ws:// address of the chat endpoint.
func (s *TestServer) WebSocketURL() string {
	u, _ := url.Parse(s.HTTP.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String()
}

// Conn wraps a client connection and splits batched frames into events.
type Conn struct {
	*websocket.Conn
	t       *testing.T
	pending [][]byte
}

// Dial connects to the chat endpoint with the server's own origin.
func (s *TestServer) Dial(t *testing.T) *Conn {
	t.Helper()
	conn, err := s.DialWith(t, s.Origin, "")
	require.NoError(t, err)
	return conn
}

// DialWith connects with an explicit Origin header and session token. An
// empty origin omits the header.
func (s *TestServer) DialWith(t *testing.T, origin, token string) (*Conn, error) {
	t.Helper()

	target := s.WebSocketURL()
	if token != "" {
		target += "?token=" + url.QueryEscape(token)
	}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	dialer := websocket.Dialer{HandshakeTimeout: DefaultTimeout}
	ws, resp, err := dialer.Dial(target, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c := &Conn{Conn: ws, t: t}
	t.Cleanup(func() { _ = c.Close() })
	return c, nil
}

// Join dials and consumes the greeting, returning the session.
func (s *TestServer) Join(t *testing.T) (*Conn, protocol.Session) {
	t.Helper()
	c := s.Dial(t)

	var session protocol.Session
	c.Decode(c.Expect(protocol.EventSession), &session)
	c.Expect(protocol.EventHistorySnapshot)
	c.Expect(protocol.EventPresenceList)
	return c, session
}

// Send writes one client event.
func (c *Conn) Send(event string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.WriteMessage(websocket.TextMessage, protocol.MustEncode(event, data)))
}

// Chat sends a chat message.
func (c *Conn) Chat(text string) {
	c.t.Helper()
	c.Send(protocol.EventChatMessage, map[string]string{"text": text})
}

// Next returns the next event, reading a new frame when needed.
func (c *Conn) Next() (protocol.Envelope, error) {
	for len(c.pending) == 0 {
		if err := c.SetReadDeadline(time.Now().Add(DefaultTimeout)); err != nil {
			return protocol.Envelope{}, err
		}
		_, data, err := c.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, err
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(line) > 0 {
				c.pending = append(c.pending, line)
			}
		}
	}

	line := c.pending[0]
	c.pending = c.pending[1:]
	var env protocol.Envelope
	err := json.Unmarshal(line, &env)
	return env, err
}

// Expect requires the next event to be event.
func (c *Conn) Expect(event string) protocol.Envelope {
	c.t.Helper()
	env, err := c.Next()
	require.NoError(c.t, err)
	require.Equal(c.t, event, env.Event, "unexpected frame %s", env.Data)
	return env
}

// WaitFor skips events until one named event arrives.
func (c *Conn) WaitFor(event string) protocol.Envelope {
	c.t.Helper()
	for {
		env, err := c.Next()
		require.NoError(c.t, err, "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

// WaitForChat skips events until the chat message carrying text arrives and
// returns the names of the events skipped on the way.
func (c *Conn) WaitForChat(text string) (protocol.ChatMessage, []string) {
	c.t.Helper()
	var skipped []string
	for {
		env, err := c.Next()
		require.NoError(c.t, err, "waiting for chat %q", text)
		if env.Event == protocol.EventChatMessage {
			var msg protocol.ChatMessage
			c.Decode(env, &msg)
			if msg.Text == text {
				return msg, skipped
			}
		}
		skipped = append(skipped, env.Event)
	}
}

// Decode unmarshals the event payload into v.
func (c *Conn) Decode(env protocol.Envelope, v any) {
	c.t.Helper()
	require.NoError(c.t, json.Unmarshal(env.Data, v))
}

// CloseNormally sends a close frame and closes the connection.
func (c *Conn) CloseNormally() {
	_ = c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.Close()
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	require.Equal(t, expected, resp.StatusCode)
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	require.Equal(t, expected, resp.Header.Get("Content-Type"))
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// HandshakeStatus attempts an upgrade with the given Origin header and
// returns the HTTP status of the handshake response.
func (s *TestServer) HandshakeStatus(t *testing.T, origin string) int {
	t.Helper()

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: DefaultTimeout}
	ws, resp, err := dialer.Dial(s.WebSocketURL(), headers)
	if ws != nil {
		_ = ws.Close()
	}
	if resp == nil {
		require.NoError(t, err)
		return 0
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}
