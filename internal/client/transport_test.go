package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-chat-server/internal/protocol"
	"github.com/Tyrowin/nexus-chat-server/internal/server"
	"github.com/Tyrowin/nexus-chat-server/internal/testutil"
)

// newServer starts a hub whose rate limit does not get in the way.
func newServer(t *testing.T) *testutil.Server {
	t.Helper()
	return testutil.NewServer(t, func(cfg *server.Config) {
		cfg.RateLimit.Burst = 1000
	})
}

func configFor(t *testing.T, srv *testutil.Server, name, password string) Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portText, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Name = name
	cfg.Password = password
	cfg.PublicKey = "KEY-" + name
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

// fakeServer accepts one login without checking the password and then hands
// the connection to after.
func fakeServer(t *testing.T, after func(conn *websocket.Conn)) Config {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"response":511,"data":"00ff"}`)); err != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"response":200}`)); err != nil {
			return
		}
		after(conn)
	}))
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, portText, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Name = "alice"
	cfg.Password = "wonderland"
	cfg.RequestTimeout = 200 * time.Millisecond
	return cfg
}

// drain reads until the peer goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func dial(t *testing.T, srv *testutil.Server, name, password string, opts ...Option) *Transport {
	t.Helper()
	tr, err := Dial(context.Background(), configFor(t, srv, name, password), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   func(*Config)
		field string
	}{
		{"valid", func(*Config) {}, ""},
		{"localhost", func(c *Config) { c.Host = "localhost" }, ""},
		{"empty name", func(c *Config) { c.Name = " " }, "name"},
		{"hostname", func(c *Config) { c.Host = "chat.example" }, "host"},
		{"low port", func(c *Config) { c.Port = 1023 }, "port"},
		{"high port", func(c *Config) { c.Port = 65536 }, "port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Name = "alice"
			tt.cfg(&cfg)

			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestConfigURL(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "ws://127.0.0.1:7777/ws", cfg.URL())
	cfg.Host = "::1"
	assert.Equal(t, "ws://[::1]:7777/ws", cfg.URL())
}

func TestDialNoServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := DefaultConfig()
	cfg.Name = "alice"
	cfg.Port = port
	cfg.MaxAttempts = 3
	cfg.RetryDelay = 10 * time.Millisecond

	start := time.Now()
	_, err = Dial(context.Background(), cfg)
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Contains(t, err.Error(), "3 attempts")
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDialWrongPassword(t *testing.T) {
	srv := newServer(t)
	srv.AddAccount(t, "alice", "wonderland")

	_, err := Dial(context.Background(), configFor(t, srv, "alice", "guess"))
	require.ErrorIs(t, err, ErrAuthFailed)
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, protocol.StatusBadRequest, serr.Code)
	assert.Equal(t, "bad password", serr.Text)
}

func TestDialUnknownAccount(t *testing.T) {
	srv := newServer(t)

	_, err := Dial(context.Background(), configFor(t, srv, "nobody", "x"))
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "user is not registered", serr.Text)
}

func TestForegroundOperations(t *testing.T) {
	srv := newServer(t)
	srv.AddAccount(t, "alice", "wonderland")
	srv.AddAccount(t, "bob", "builder")
	srv.AddAccount(t, "carol", "singer")

	alice := dial(t, srv, "alice", "wonderland")
	dial(t, srv, "bob", "builder")

	contacts, err := alice.Contacts()
	require.NoError(t, err)
	assert.Empty(t, contacts)

	require.NoError(t, alice.AddContact("bob"))
	require.NoError(t, alice.AddContact("carol"))
	require.NoError(t, alice.RemoveContact("carol"))
	contacts, err = alice.Contacts()
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, contacts)

	err = alice.AddContact("mallory")
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, protocol.StatusBadRequest, serr.Code)

	users, err := alice.Users()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, users)

	active, err := alice.ActiveUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, active)

	key, err := alice.PublicKey("bob")
	require.NoError(t, err)
	assert.Equal(t, "KEY-bob", key)

	_, err = alice.PublicKey("carol")
	require.ErrorAs(t, err, &serr)
}

func TestSendMessage(t *testing.T) {
	srv := newServer(t)
	srv.AddAccount(t, "alice", "wonderland")
	srv.AddAccount(t, "bob", "builder")

	received := make(chan *protocol.ChatMessage, 1)
	alice := dial(t, srv, "alice", "wonderland")
	dial(t, srv, "bob", "builder", WithMessageHandler(func(m *protocol.ChatMessage) {
		received <- m
	}))

	require.NoError(t, alice.SendMessage("bob", "hello"))

	select {
	case m := <-received:
		assert.Equal(t, "alice", m.Sender)
		assert.Equal(t, "hello", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the message")
	}
}

func TestSendMessageOffline(t *testing.T) {
	srv := newServer(t)
	srv.AddAccount(t, "alice", "wonderland")
	srv.AddAccount(t, "bob", "builder")

	alice := dial(t, srv, "alice", "wonderland")

	err := alice.SendMessage("bob", "hello?")
	require.ErrorIs(t, err, ErrUserUnavailable)
	assert.Contains(t, err.Error(), "user bob is not online")

	// The connection survives a 444.
	_, err = alice.ActiveUsers()
	require.NoError(t, err)
}

func TestConcurrentRequests(t *testing.T) {
	srv := newServer(t)
	srv.AddAccount(t, "alice", "wonderland")
	srv.AddAccount(t, "bob", "builder")

	var count atomic.Int32
	alice := dial(t, srv, "alice", "wonderland")
	dial(t, srv, "bob", "builder", WithMessageHandler(func(*protocol.ChatMessage) {
		count.Add(1)
	}))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- alice.SendMessage("bob", "ping")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return count.Load() == 20 }, 2*time.Second, 10*time.Millisecond)
}

func TestUsersChangedHandler(t *testing.T) {
	srv := newServer(t)
	srv.AddAccount(t, "alice", "wonderland")

	changed := make(chan struct{}, 1)
	dial(t, srv, "alice", "wonderland", WithUsersChangedHandler(func() {
		changed <- struct{}{}
	}))

	srv.Hub.NotifyUsersChanged()
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("users-changed handler not called")
	}
}

func TestConnectionLost(t *testing.T) {
	srv := newServer(t)
	srv.AddAccount(t, "alice", "wonderland")

	var calls atomic.Int32
	lost := make(chan error, 2)
	alice := dial(t, srv, "alice", "wonderland", WithConnectionLostHandler(func(err error) {
		calls.Add(1)
		lost <- err
	}))

	require.NoError(t, srv.Hub.Shutdown(2*time.Second))

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("connection-lost handler not called")
	}

	_, err := alice.Contacts()
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, alice.Close())
	assert.Equal(t, int32(1), calls.Load())
}

func TestCloseSendsExit(t *testing.T) {
	srv := newServer(t)
	srv.AddAccount(t, "alice", "wonderland")

	lost := make(chan error, 1)
	alice := dial(t, srv, "alice", "wonderland", WithConnectionLostHandler(func(err error) {
		lost <- err
	}))
	srv.WaitOnline(t, "alice")

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())

	require.Eventually(t, func() bool {
		names, err := srv.Hub.OnlineUsers(context.Background())
		return err == nil && len(names) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := alice.Users()
	assert.True(t, errors.Is(err, ErrClosed))

	select {
	case err := <-lost:
		t.Fatalf("connection-lost fired on Close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestTimeoutLosesConnection(t *testing.T) {
	cfg := fakeServer(t, drain)

	lost := make(chan error, 1)
	alice, err := Dial(context.Background(), cfg, WithConnectionLostHandler(func(err error) {
		lost <- err
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = alice.Close() })

	start := time.Now()
	_, err = alice.Contacts()
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.GreaterOrEqual(t, time.Since(start), cfg.RequestTimeout)

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrRequestTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("connection-lost handler not called")
	}

	_, err = alice.Users()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnsolicitedErrorLosesConnection(t *testing.T) {
	for _, frame := range []string{
		`{"response":400,"error":"boom"}`,
		`{"response":444,"error":"user bob is not online"}`,
	} {
		t.Run(frame, func(t *testing.T) {
			cfg := fakeServer(t, func(conn *websocket.Conn) {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
				drain(conn)
			})

			lost := make(chan error, 1)
			alice, err := Dial(context.Background(), cfg, WithConnectionLostHandler(func(err error) {
				lost <- err
			}))
			require.NoError(t, err)
			t.Cleanup(func() { _ = alice.Close() })

			select {
			case err := <-lost:
				assert.ErrorIs(t, err, ErrConnectionLost)
				var serr *ServerError
				assert.ErrorAs(t, err, &serr)
			case <-time.After(2 * time.Second):
				t.Fatal("connection-lost handler not called")
			}

			select {
			case <-alice.done:
			case <-time.After(2 * time.Second):
				t.Fatal("receiver still running")
			}
			_, err = alice.Contacts()
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}
