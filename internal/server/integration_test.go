package server_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-chat-server/internal/auth"
	"github.com/Tyrowin/nexus-chat-server/internal/server"
	"github.com/Tyrowin/nexus-chat-server/internal/testutil"
)

func TestHealthEndpoint(t *testing.T) {
	srv := testutil.NewServer(t, nil)

	resp := testutil.MakeRequest(t, http.MethodGet, srv.URL+"/")
	testutil.AssertStatusCode(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Nexus chat server is running!" {
		t.Errorf("unexpected body %q", body)
	}

	resp = testutil.MakeRequest(t, http.MethodPost, srv.URL+"/ws")
	testutil.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
}

func TestWebSocketMethodValidation(t *testing.T) {
	srv := testutil.NewServer(t, nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			resp := testutil.MakeRequest(t, method, srv.URL+"/ws")
			testutil.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
			body, _ := io.ReadAll(resp.Body)
			if want := "Method not allowed. WebSocket endpoint only accepts GET requests."; strings.TrimSpace(string(body)) != want {
				t.Errorf("body = %q, want %q", body, want)
			}
		})
	}
}

func TestWebSocketGETWithoutUpgrade(t *testing.T) {
	srv := testutil.NewServer(t, nil)

	resp := testutil.MakeRequest(t, http.MethodGet, srv.URL+"/ws")
	testutil.AssertStatusCode(t, resp, http.StatusBadRequest)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	const limit = 256
	srv := testutil.NewServer(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = limit
	})
	srv.AddAccount(t, "alice", "wonderland")
	srv.AddAccount(t, "bob", "builder")

	alice := testutil.Connect(t, srv, "alice", "wonderland")
	bob := testutil.Connect(t, srv, "bob", "builder")

	testutil.Send(t, alice, map[string]any{
		"action": "message", "time": 1, "sender": "alice", "destination": "bob",
		"message-text": strings.Repeat("A", limit+10),
	})
	testutil.ExpectClosed(t, alice)

	_ = bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, frame, err := bob.ReadMessage(); err == nil {
		t.Fatalf("bob received %s", frame)
	}
}

func TestLoginAndDeliver(t *testing.T) {
	srv := testutil.NewServer(t, nil)
	srv.AddAccount(t, "alice", "wonderland")
	srv.AddAccount(t, "bob", "builder")

	alice := testutil.Connect(t, srv, "alice", "wonderland")
	bob := testutil.Connect(t, srv, "bob", "builder")

	frame := []byte(`{"action":"message","time":1700000000,"sender":"alice","destination":"bob","message-text":"hello bob"}`)
	testutil.SendRaw(t, alice, frame)

	if got := testutil.ReceiveRaw(t, bob); string(got) != string(frame) {
		t.Fatalf("bob received %s, want %s", got, frame)
	}
	testutil.AssertResponse(t, testutil.Receive(t, alice), 200)

	stats, err := srv.Store.MessageStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats[0].Sent != 1 || stats[1].Received != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestMessageToOfflineUser(t *testing.T) {
	srv := testutil.NewServer(t, nil)
	srv.AddAccount(t, "alice", "wonderland")
	srv.AddAccount(t, "bob", "builder")

	alice := testutil.Connect(t, srv, "alice", "wonderland")
	testutil.Send(t, alice, map[string]any{
		"action": "message", "time": 1, "sender": "alice", "destination": "bob", "message-text": "anyone?",
	})

	msg := testutil.Receive(t, alice)
	testutil.AssertResponse(t, msg, 444)
	if msg["error"] != "user bob is not online" {
		t.Errorf("error = %v", msg["error"])
	}

	// Nothing is queued for later delivery.
	bob := testutil.Connect(t, srv, "bob", "builder")
	_ = bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, frame, err := bob.ReadMessage(); err == nil {
		t.Fatalf("bob received %s after connecting", frame)
	}
}

func TestWrongPasswordClosesConnection(t *testing.T) {
	srv := testutil.NewServer(t, nil)
	srv.AddAccount(t, "alice", "wonderland")

	conn := testutil.Dial(t, srv.WSURL)
	testutil.Send(t, conn, testutil.Presence("alice", ""))
	testutil.AssertResponse(t, testutil.Receive(t, conn), 511)
	testutil.Send(t, conn, map[string]any{"response": 511, "data": "AAAA"})

	msg := testutil.Receive(t, conn)
	testutil.AssertResponse(t, msg, 400)
	if msg["error"] != "bad password" {
		t.Errorf("error = %v", msg["error"])
	}
	testutil.ExpectClosed(t, conn)
}

func TestSecondLoginForLiveName(t *testing.T) {
	srv := testutil.NewServer(t, nil)
	srv.AddAccount(t, "alice", "wonderland")

	first := testutil.Connect(t, srv, "alice", "wonderland")

	second := testutil.Dial(t, srv.WSURL)
	testutil.Send(t, second, testutil.Presence("alice", ""))
	msg := testutil.Receive(t, second)
	testutil.AssertResponse(t, msg, 400)
	if msg["error"] != "name already in use" {
		t.Errorf("error = %v", msg["error"])
	}
	testutil.ExpectClosed(t, second)

	testutil.Send(t, first, map[string]any{"action": "active-users"})
	testutil.AssertResponse(t, testutil.Receive(t, first), 202)
}

func TestConcurrentLogins(t *testing.T) {
	srv := testutil.NewServer(t, nil)
	names := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, name := range names {
		srv.AddAccount(t, name, "pw")
	}

	conns := make([]*websocket.Conn, len(names))
	for i := range names {
		conns[i] = testutil.Dial(t, srv.WSURL)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(names))
	for i, name := range names {
		wg.Add(1)
		go func(conn *websocket.Conn, name string) {
			defer wg.Done()
			errs <- login(conn, name, "pw")
		}(conns[i], name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("login: %v", err)
		}
	}

	online, err := srv.Hub.OnlineUsers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != len(names) {
		t.Fatalf("online = %v", online)
	}
}

// login runs the handshake without touching t, so it may run off the test
// goroutine.
func login(conn *websocket.Conn, name, password string) error {
	_ = conn.SetReadDeadline(time.Now().Add(testutil.ReadTimeout))
	if err := conn.WriteJSON(testutil.Presence(name, "")); err != nil {
		return err
	}
	var challenge map[string]any
	if err := conn.ReadJSON(&challenge); err != nil {
		return err
	}
	nonce, _ := challenge["data"].(string)
	answer := map[string]any{"response": 511, "data": auth.Answer(auth.DeriveVerifier(name, password), nonce)}
	if err := conn.WriteJSON(answer); err != nil {
		return err
	}
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		return err
	}
	if code, _ := reply["response"].(float64); code != 200 {
		return fmt.Errorf("%s: unexpected reply %v", name, reply)
	}
	return nil
}

func TestUnauthenticatedConnectionTimesOut(t *testing.T) {
	srv := testutil.NewServer(t, func(cfg *server.Config) {
		cfg.AuthTimeout = 100 * time.Millisecond
	})

	conn := testutil.Dial(t, srv.WSURL)
	testutil.ExpectClosed(t, conn)
}

func TestUsersChangedNotification(t *testing.T) {
	srv := testutil.NewServer(t, nil)
	srv.AddAccount(t, "alice", "wonderland")
	alice := testutil.Connect(t, srv, "alice", "wonderland")

	srv.Hub.NotifyUsersChanged()
	testutil.AssertResponse(t, testutil.Receive(t, alice), 205)
}

func TestExitReleasesName(t *testing.T) {
	srv := testutil.NewServer(t, nil)
	srv.AddAccount(t, "alice", "wonderland")

	conn := testutil.Connect(t, srv, "alice", "wonderland")
	testutil.Send(t, conn, map[string]any{"action": "exit", "account-name": "alice"})
	testutil.ExpectClosed(t, conn)

	again := testutil.Connect(t, srv, "alice", "wonderland")
	testutil.Send(t, again, map[string]any{"action": "active-users"})
	testutil.AssertResponse(t, testutil.Receive(t, again), 202)
}

func TestDisallowedOriginRejected(t *testing.T) {
	srv := testutil.NewServer(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"http://localhost:7777"}
	})

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(srv.WSURL, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatal("dial with disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	srv := testutil.NewServer(t, nil)
	srv.AddAccount(t, "alice", "wonderland")
	conn := testutil.Connect(t, srv, "alice", "wonderland")

	if err := srv.Hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	testutil.ExpectClosed(t, conn)

	if _, err := srv.Hub.OnlineUsers(context.Background()); err != server.ErrHubClosed {
		t.Fatalf("OnlineUsers after shutdown = %v", err)
	}

	active, _ := srv.Store.ActiveUsers(context.Background())
	if len(active) != 0 {
		t.Fatalf("active users after shutdown = %+v", active)
	}
}
