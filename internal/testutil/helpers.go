// Package testutil provides common utilities and helper functions for testing
// the chat server and its clients.
//
// It starts real hubs behind httptest servers, dials them with the gorilla
// dialer and speaks the wire protocol at the frame level.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-chat-server/internal/auth"
	"github.com/Tyrowin/nexus-chat-server/internal/logging"
	"github.com/Tyrowin/nexus-chat-server/internal/server"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

// ReadTimeout bounds every frame read made by the helpers.
const ReadTimeout = 2 * time.Second

// Server is a running hub behind an httptest server.
type Server struct {
	HTTP  *httptest.Server
	Hub   *server.Hub
	Store *storage.MemoryStore
	// URL is the base http:// URL; WSURL the ws:// URL of the upgrade endpoint.
	URL   string
	WSURL string
}

// NewServer starts a hub over an in-memory store. configure, when non-nil,
// may adjust the configuration first. Everything is torn down with t.
func NewServer(t *testing.T, configure func(*server.Config)) *Server {
	t.Helper()

	cfg := server.DefaultConfig()
	if configure != nil {
		configure(&cfg)
	}

	store := storage.NewMemoryStore()
	logger := logging.Discard()
	hub := server.NewHub(cfg, store, logger)
	go hub.Run()

	ts := httptest.NewServer(server.SetupRoutes(server.NewHandlers(hub, cfg, logger)))
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		ts.Close()
	})

	return &Server{
		HTTP:  ts,
		Hub:   hub,
		Store: store,
		URL:   ts.URL,
		WSURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

// AddAccount registers name with password.
func (s *Server) AddAccount(t *testing.T, name, password string) {
	t.Helper()
	if err := s.Store.AddAccount(context.Background(), name, auth.DeriveVerifier(name, password)); err != nil {
		t.Fatalf("Failed to add account %s: %v", name, err)
	}
}

// WaitOnline polls until name is live on the hub.
func (s *Server) WaitOnline(t *testing.T, name string) {
	t.Helper()
	deadline := time.Now().Add(ReadTimeout)
	for time.Now().Before(deadline) {
		names, err := s.Hub.OnlineUsers(context.Background())
		if err != nil {
			t.Fatalf("Failed to query online users: %v", err)
		}
		for _, n := range names {
			if n == name {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never came online", name)
}

// Dial opens a WebSocket connection closed with t.
func Dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	conn, resp, err := dialer.Dial(wsURL, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Send writes v as one JSON text frame.
func Send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	frame, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}
	SendRaw(t, conn, frame)
}

// SendRaw writes frame unchanged as a text message.
func SendRaw(t *testing.T, conn *websocket.Conn, frame []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

// Receive reads the next frame as a JSON object.
func Receive(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	frame := ReceiveRaw(t, conn)
	var msg map[string]any
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("Frame %q is not a JSON object: %v", frame, err)
	}
	return msg
}

// ReceiveRaw reads the next frame unchanged.
func ReceiveRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return frame
}

// ExpectClosed asserts the server closes conn without sending more frames.
func ExpectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	_, frame, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected connection to close, got frame %q", frame)
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		t.Fatal("Expected connection to close, read timed out")
	}
}

// AssertResponse checks the "response" code of msg.
func AssertResponse(t *testing.T, msg map[string]any, code int) {
	t.Helper()
	got, ok := msg["response"].(float64)
	if !ok {
		t.Fatalf("Frame %v carries no response code", msg)
	}
	if int(got) != code {
		t.Fatalf("Expected response %d, got %d (%v)", code, int(got), msg)
	}
}

// Presence builds a presence request for name.
func Presence(name, pubkey string) map[string]any {
	return map[string]any{
		"action": "presence",
		"time":   float64(time.Now().Unix()),
		"user":   map[string]any{"account-name": name, "pubkey": pubkey},
	}
}

// Login completes the handshake for name on conn.
func Login(t *testing.T, conn *websocket.Conn, name, password string) {
	t.Helper()

	Send(t, conn, Presence(name, "PUBKEY-"+name))
	challenge := Receive(t, conn)
	AssertResponse(t, challenge, 511)

	nonce, _ := challenge["data"].(string)
	Send(t, conn, map[string]any{
		"response": 511,
		"data":     auth.Answer(auth.DeriveVerifier(name, password), nonce),
	})
	AssertResponse(t, Receive(t, conn), 200)
}

// Connect dials srv and logs name in.
func Connect(t *testing.T, srv *Server, name, password string) *websocket.Conn {
	t.Helper()
	conn := Dial(t, srv.WSURL)
	Login(t, conn, name, password)
	return conn
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}
