// Package client implements the client side of the chat protocol: a
// retrying connect, the challenge handshake, a background receiver for
// pushed frames and lock-serialized request/response calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/tevino/abool"

	"github.com/Tyrowin/nexus-chat-server/internal/auth"
	"github.com/Tyrowin/nexus-chat-server/internal/logging"
	"github.com/Tyrowin/nexus-chat-server/internal/protocol"
)

// Option customizes a Transport.
type Option func(*Transport)

// WithLogger sets the logger; the default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMessageHandler is called on the receiver goroutine for every chat
// message addressed to this account. It must not call back into the
// Transport synchronously.
func WithMessageHandler(fn func(*protocol.ChatMessage)) Option {
	return func(t *Transport) { t.onMessage = fn }
}

// WithUsersChangedHandler is called on the receiver goroutine when the
// server announces a change to the account list.
func WithUsersChangedHandler(fn func()) Option {
	return func(t *Transport) { t.onUsersChanged = fn }
}

// WithConnectionLostHandler is called once, on its own goroutine, when the
// connection breaks for any reason other than Close.
func WithConnectionLostHandler(fn func(error)) Option {
	return func(t *Transport) { t.onLost = fn }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// Transport is an authenticated connection to a chat server.
type Transport struct {
	cfg    Config
	codec  *protocol.Codec
	dialer *websocket.Dialer
	conn   *websocket.Conn
	logger *slog.Logger

	// mu serializes request/response pairs; at most one is outstanding.
	mu      sync.Mutex
	replies chan *protocol.Response
	pending *abool.AtomicBool
	running *abool.AtomicBool

	verifier *memguard.LockedBuffer

	onMessage      func(*protocol.ChatMessage)
	onUsersChanged func()
	onLost         func(error)

	lostOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the server described by cfg and authenticates. Any
// failure closes the connection.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	t := &Transport{
		cfg:     cfg,
		codec:   protocol.NewCodec(cfg.MaxFrameSize),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:  logging.Discard(),
		replies: make(chan *protocol.Response, 1),
		pending: abool.New(),
		running: abool.New(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("user", cfg.Name, "server", cfg.URL())

	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	t.verifier = memguard.NewBufferFromBytes(auth.DeriveVerifier(cfg.Name, cfg.Password))
	if err := t.handshake(); err != nil {
		_ = t.conn.Close()
		t.verifier.Destroy()
		return nil, err
	}

	t.running.Set()
	go t.receive()
	t.logger.Info("Connected")
	return t, nil
}

func (t *Transport) connect(ctx context.Context) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.cfg.RetryDelay), uint64(t.cfg.MaxAttempts-1)),
		ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL(), nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.logger.Debug("Connection attempt failed", "attempt", attempt, "error", err)
			return err
		}
		t.conn = conn
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, attempt, err)
	}

	t.conn.SetReadLimit(int64(t.cfg.MaxFrameSize))
	return nil
}

// handshake runs presence, challenge and answer before the receiver starts,
// so it reads the socket directly.
func (t *Transport) handshake() error {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	resp, err := t.handshakeStep(protocol.NewPresence(t.cfg.Name, t.cfg.PublicKey), deadline)
	if err != nil {
		return err
	}
	if resp.Code != protocol.StatusChallenge {
		return fmt.Errorf("%w: %w", ErrAuthFailed, serverError(resp))
	}

	answer := &protocol.Response{Code: protocol.StatusChallenge, Data: auth.Answer(t.verifier.Bytes(), resp.Data)}
	resp, err = t.handshakeStep(answer, deadline)
	if err != nil {
		return err
	}
	if resp.Code != protocol.StatusOK {
		return fmt.Errorf("%w: %w", ErrAuthFailed, serverError(resp))
	}

	return t.conn.SetReadDeadline(time.Time{})
}

func (t *Transport) handshakeStep(msg protocol.Message, deadline time.Time) (*protocol.Response, error) {
	frame, err := t.codec.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	_, reply, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	decoded, err := t.codec.Decode(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	resp, ok := decoded.(*protocol.Response)
	if !ok {
		return nil, fmt.Errorf("%w: expected a response", ErrAuthFailed)
	}
	return resp, nil
}

// receive is the only reader of the connection once authenticated. It ends
// when the socket fails or is closed.
func (t *Transport) receive() {
	defer close(t.done)

	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			t.lost(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}

		msg, err := t.codec.Decode(frame)
		if err != nil {
			t.lost(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}

		switch m := msg.(type) {
		case *protocol.ChatMessage:
			if m.Destination != t.cfg.Name {
				t.logger.Warn("Dropping message for another account", "destination", m.Destination)
				continue
			}
			if t.onMessage != nil {
				t.onMessage(m)
			}

		case *protocol.Response:
			if m.Code == protocol.StatusUsersChanged {
				if t.onUsersChanged != nil {
					t.onUsersChanged()
				}
				continue
			}
			if t.pending.SetToIf(true, false) {
				t.replies <- m
				continue
			}
			if m.Code.IsError() {
				t.lost(fmt.Errorf("%w: %w", ErrConnectionLost, serverError(m)))
				return
			}
			t.logger.Debug("Ignoring unsolicited response", "code", m.Code)

		default:
			t.logger.Debug("Ignoring unexpected frame")
		}
	}
}

// lost tears the connection down once and notifies the handler unless the
// transport is being closed deliberately.
func (t *Transport) lost(err error) {
	t.lostOnce.Do(func() {
		if !t.running.SetToIf(true, false) {
			return
		}
		t.logger.Warn("Connection lost", "error", err)
		_ = t.conn.Close()
		if t.onLost != nil {
			go t.onLost(err)
		}
	})
}

func (t *Transport) write(frame []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.RequestTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// exchange sends req and waits for its reply.
func (t *Transport) exchange(req protocol.Message) (*protocol.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running.IsSet() {
		return nil, ErrClosed
	}

	frame, err := t.codec.Encode(req)
	if err != nil {
		return nil, err
	}

	// A reply left over from a timed-out request must not answer this one.
	select {
	case <-t.replies:
	default:
	}

	t.pending.Set()
	if err := t.write(frame); err != nil {
		t.pending.UnSet()
		err = fmt.Errorf("%w: %v", ErrConnectionLost, err)
		t.lost(err)
		return nil, err
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-t.replies:
		return resp, nil
	case <-timer.C:
		t.pending.UnSet()
		err := fmt.Errorf("%w: %w", ErrConnectionLost, ErrRequestTimeout)
		t.lost(err)
		return nil, err
	case <-t.done:
		t.pending.UnSet()
		return nil, ErrConnectionLost
	}
}

// call sends req and checks that the reply carries want.
func (t *Transport) call(req protocol.Message, want protocol.Status) (*protocol.Response, error) {
	resp, err := t.exchange(req)
	if err != nil {
		return nil, err
	}
	if resp.Code != want {
		return nil, serverError(resp)
	}
	return resp, nil
}

// Name returns the authenticated account name.
func (t *Transport) Name() string {
	return t.cfg.Name
}

// Contacts returns the contact list of this account.
func (t *Transport) Contacts() ([]string, error) {
	resp, err := t.call(protocol.NewGetContacts(t.cfg.Name), protocol.StatusList)
	if err != nil {
		return nil, err
	}
	return resp.List, nil
}

// AddContact adds contact to this account's contact list.
func (t *Transport) AddContact(contact string) error {
	_, err := t.call(protocol.NewAddContact(t.cfg.Name, contact), protocol.StatusOK)
	return err
}

// RemoveContact removes contact from this account's contact list.
func (t *Transport) RemoveContact(contact string) error {
	_, err := t.call(protocol.NewRemoveContact(t.cfg.Name, contact), protocol.StatusOK)
	return err
}

// Users returns every registered account name.
func (t *Transport) Users() ([]string, error) {
	resp, err := t.call(protocol.NewUsersRequest(t.cfg.Name), protocol.StatusList)
	if err != nil {
		return nil, err
	}
	return resp.List, nil
}

// ActiveUsers returns the names currently online.
func (t *Transport) ActiveUsers() ([]string, error) {
	resp, err := t.call(protocol.NewActiveUsers(t.cfg.Name), protocol.StatusList)
	if err != nil {
		return nil, err
	}
	return resp.List, nil
}

// PublicKey returns the key name advertised at its last login.
func (t *Transport) PublicKey(name string) (string, error) {
	resp, err := t.call(protocol.NewPublicKeyRequest(name), protocol.StatusChallenge)
	if err != nil {
		return "", err
	}
	return resp.Data, nil
}

// SendMessage delivers text to the online account to. An offline recipient
// yields an error matching ErrUserUnavailable.
func (t *Transport) SendMessage(to, text string) error {
	_, err := t.call(protocol.NewChatMessage(t.cfg.Name, to, text), protocol.StatusOK)
	return err
}

// Close logs out, closes the connection and waits for the receiver. It is
// safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		wasRunning := t.running.SetToIf(true, false)
		if wasRunning {
			t.mu.Lock()
			if frame, encErr := t.codec.Encode(protocol.NewExit(t.cfg.Name)); encErr == nil {
				if werr := t.write(frame); werr != nil {
					t.logger.Debug("Error sending exit", "error", werr)
				}
			}
			t.mu.Unlock()
		}

		if cerr := t.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		<-t.done
		t.verifier.Destroy()
		t.logger.Info("Disconnected")
	})
	return err
}
