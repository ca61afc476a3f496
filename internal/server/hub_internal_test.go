package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Tyrowin/nexus-chat-server/internal/auth"
	"github.com/Tyrowin/nexus-chat-server/internal/logging"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

// testHub is a hub whose loop is not running; tests call its handlers
// directly, standing in for the hub goroutine.
type testHub struct {
	*Hub
	store *storage.MemoryStore
	clock time.Time
}

func newTestHub(t *testing.T, accounts ...string) *testHub {
	t.Helper()
	store := storage.NewMemoryStore()
	for _, name := range accounts {
		if err := store.AddAccount(context.Background(), name, auth.DeriveVerifier(name, "pw-"+name)); err != nil {
			t.Fatalf("add account: %v", err)
		}
	}
	th := &testHub{
		Hub:   NewHub(DefaultConfig(), store, logging.Discard()),
		store: store,
		clock: time.Unix(1700000000, 0),
	}
	th.now = func() time.Time { return th.clock }
	return th
}

func (th *testHub) connect(addr string) *Session {
	s := newSession(nil, th.Hub, addr)
	th.sessions[s] = struct{}{}
	return s
}

func (th *testHub) frame(t *testing.T, s *Session, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Keep the rate limiter topped up.
	th.clock = th.clock.Add(time.Second)
	th.handleFrame(s, data)
}

// login runs the full handshake for name on a new session.
func (th *testHub) login(t *testing.T, name string) *Session {
	t.Helper()
	s := th.connect("127.0.0.1:40000")
	th.frame(t, s, presence(name))
	challenge := next(t, s)
	nonce, _ := challenge["data"].(string)
	th.frame(t, s, map[string]any{
		"response": 511,
		"data":     auth.Answer(auth.DeriveVerifier(name, "pw-"+name), nonce),
	})
	expectCode(t, next(t, s), 200)
	return s
}

func presence(name string) map[string]any {
	return map[string]any{
		"action": "presence",
		"time":   1.5,
		"user":   map[string]any{"account-name": name, "pubkey": "KEY-" + name},
	}
}

func next(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case frame, ok := <-s.send:
		if !ok {
			t.Fatal("session closed, expected a frame")
		}
		var msg map[string]any
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("frame %q: %v", frame, err)
		}
		return msg
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func nextRaw(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case frame, ok := <-s.send:
		if !ok {
			t.Fatal("session closed, expected a frame")
		}
		return frame
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func expectNothing(t *testing.T, s *Session) {
	t.Helper()
	select {
	case frame, ok := <-s.send:
		if !ok {
			t.Fatal("session closed unexpectedly")
		}
		t.Fatalf("unexpected frame %s", frame)
	default:
	}
}

func expectClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case frame, ok := <-s.send:
		if ok {
			t.Fatalf("expected close, got frame %s", frame)
		}
	default:
		t.Fatal("session still open")
	}
	if s.state != Closed {
		t.Fatalf("state = %v, want closed", s.state)
	}
}

func expectCode(t *testing.T, msg map[string]any, code int) {
	t.Helper()
	got, _ := msg["response"].(float64)
	if int(got) != code {
		t.Fatalf("response = %v, want %d (%v)", msg["response"], code, msg)
	}
}

func expectError(t *testing.T, msg map[string]any, code int, text string) {
	t.Helper()
	expectCode(t, msg, code)
	if msg["error"] != text {
		t.Fatalf("error = %q, want %q", msg["error"], text)
	}
}

func TestHandshakeSuccess(t *testing.T) {
	th := newTestHub(t, "alice")
	s := th.login(t, "alice")

	if s.state != Authenticated || s.name != "alice" {
		t.Fatalf("state = %v name = %q", s.state, s.name)
	}
	if got, ok := th.registry.Lookup("alice"); !ok || got != s {
		t.Fatal("alice not registered to her session")
	}

	active, _ := th.store.ActiveUsers(context.Background())
	if len(active) != 1 || active[0].IP != "127.0.0.1" || active[0].Port != 40000 {
		t.Fatalf("active users = %+v", active)
	}
	key, _ := th.store.PublicKey(context.Background(), "alice")
	if key != "KEY-alice" {
		t.Fatalf("stored key = %q", key)
	}
}

func TestHandshakeChallengeFormat(t *testing.T) {
	th := newTestHub(t, "alice")
	s := th.connect("127.0.0.1:1")
	th.frame(t, s, presence("alice"))

	msg := next(t, s)
	expectCode(t, msg, 511)
	nonce, _ := msg["data"].(string)
	if len(nonce) != auth.NonceSize*2 {
		t.Fatalf("nonce length = %d", len(nonce))
	}
	if s.state != AwaitingChallengeResponse {
		t.Fatalf("state = %v", s.state)
	}
}

func TestHandshakeRejections(t *testing.T) {
	th := newTestHub(t, "alice", "bob")

	t.Run("first frame not presence", func(t *testing.T) {
		s := th.connect("127.0.0.1:1")
		th.frame(t, s, map[string]any{"action": "get-contacts", "user": "alice"})
		expectError(t, next(t, s), 400, errAuthRequired)
		expectClosed(t, s)
	})

	t.Run("invalid first frame", func(t *testing.T) {
		s := th.connect("127.0.0.1:1")
		th.frame(t, s, map[string]any{"action": "presence", "time": 1})
		expectError(t, next(t, s), 400, errAuthRequired)
		expectClosed(t, s)
	})

	t.Run("unknown account", func(t *testing.T) {
		s := th.connect("127.0.0.1:1")
		th.frame(t, s, presence("mallory"))
		expectError(t, next(t, s), 400, errNotRegistered)
		expectClosed(t, s)
	})

	t.Run("wrong password", func(t *testing.T) {
		s := th.connect("127.0.0.1:1")
		th.frame(t, s, presence("bob"))
		nonce, _ := next(t, s)["data"].(string)
		th.frame(t, s, map[string]any{
			"response": 511,
			"data":     auth.Answer(auth.DeriveVerifier("bob", "guess"), nonce),
		})
		expectError(t, next(t, s), 400, errBadPassword)
		expectClosed(t, s)
		if _, ok := th.registry.Lookup("bob"); ok {
			t.Fatal("bob registered after failed handshake")
		}
	})

	t.Run("malformed digest", func(t *testing.T) {
		s := th.connect("127.0.0.1:1")
		th.frame(t, s, presence("bob"))
		next(t, s)
		th.frame(t, s, map[string]any{"response": 511, "data": "%%%"})
		expectError(t, next(t, s), 400, errBadPassword)
		expectClosed(t, s)
	})

	t.Run("request instead of digest", func(t *testing.T) {
		s := th.connect("127.0.0.1:1")
		th.frame(t, s, presence("bob"))
		next(t, s)
		th.frame(t, s, map[string]any{"action": "active-users"})
		expectError(t, next(t, s), 400, errBadPassword)
		expectClosed(t, s)
	})

	t.Run("undecodable frame", func(t *testing.T) {
		s := th.connect("127.0.0.1:1")
		th.handleFrame(s, []byte("not json"))
		expectClosed(t, s)
	})
}

func TestHandshakeNameAlreadyLive(t *testing.T) {
	th := newTestHub(t, "alice")
	first := th.login(t, "alice")

	second := th.connect("127.0.0.1:2")
	th.frame(t, second, presence("alice"))
	expectError(t, next(t, second), 400, errNameInUse)
	expectClosed(t, second)

	if got, _ := th.registry.Lookup("alice"); got != first {
		t.Fatal("registry entry replaced")
	}
	expectNothing(t, first)
}

func TestHandshakeConcurrentSameName(t *testing.T) {
	th := newTestHub(t, "alice")

	a := th.connect("127.0.0.1:1")
	b := th.connect("127.0.0.1:2")
	th.frame(t, a, presence("alice"))
	th.frame(t, b, presence("alice"))
	nonceA, _ := next(t, a)["data"].(string)
	nonceB, _ := next(t, b)["data"].(string)

	verifier := auth.DeriveVerifier("alice", "pw-alice")
	th.frame(t, a, map[string]any{"response": 511, "data": auth.Answer(verifier, nonceA)})
	expectCode(t, next(t, a), 200)

	th.frame(t, b, map[string]any{"response": 511, "data": auth.Answer(verifier, nonceB)})
	expectError(t, next(t, b), 400, errNameInUse)
	expectClosed(t, b)

	if got, _ := th.registry.Lookup("alice"); got != a {
		t.Fatal("second handshake took over the name")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	th := newTestHub(t, "alice")
	idle := th.connect("127.0.0.1:1")
	authed := th.login(t, "alice")

	th.clock = th.clock.Add(th.cfg.AuthTimeout + time.Second)
	th.expireHandshakes()

	expectClosed(t, idle)
	expectNothing(t, authed)
}

func TestAuthenticatedPresenceRejected(t *testing.T) {
	th := newTestHub(t, "alice")
	s := th.login(t, "alice")

	th.frame(t, s, presence("alice"))
	expectError(t, next(t, s), 400, "already authenticated")
	if s.state != Authenticated {
		t.Fatal("session left authenticated state")
	}
}

func TestDisconnectReleasesName(t *testing.T) {
	th := newTestHub(t, "alice")
	s := th.login(t, "alice")

	th.disconnect(s, "test")
	th.disconnect(s, "again")

	if _, ok := th.registry.Lookup("alice"); ok {
		t.Fatal("alice still registered")
	}
	active, _ := th.store.ActiveUsers(context.Background())
	if len(active) != 0 {
		t.Fatalf("active users = %+v", active)
	}

	again := th.login(t, "alice")
	if again.state != Authenticated {
		t.Fatal("re-login failed")
	}
}

func TestNotifyUsersChangedReachesAuthenticatedOnly(t *testing.T) {
	th := newTestHub(t, "alice")
	pending := th.connect("127.0.0.1:1")
	s := th.login(t, "alice")

	th.broadcastUsersChanged()

	expectCode(t, next(t, s), 205)
	expectNothing(t, pending)
}
