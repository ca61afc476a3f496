package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-chat-server/internal/protocol"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

// storageTimeout bounds each storage call made from the hub goroutine.
const storageTimeout = 5 * time.Second

// ErrHubClosed is returned when a request reaches a hub that is shutting down.
var ErrHubClosed = errors.New("hub is shut down")

type inboundFrame struct {
	session *Session
	data    []byte
}

// Hub multiplexes every connection. Its Run goroutine is the single owner of
// the sessions, the registry and all handshake state; pumps reach it only
// through channels.
type Hub struct {
	cfg      Config
	store    storage.Store
	codec    *protocol.Codec
	logger   *slog.Logger
	registry *Registry
	sessions map[*Session]struct{}

	accept     chan *Session
	inbound    chan inboundFrame
	unregister chan *Session
	notify     chan struct{}
	queries    chan func()

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

// NewHub creates a hub serving cfg with accounts from store. Call Run to
// start it.
func NewHub(cfg Config, store storage.Store, logger *slog.Logger) *Hub {
	cfg = cfg.sanitize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		store:      store,
		codec:      protocol.NewCodec(int(cfg.MaxMessageSize)),
		logger:     logger,
		registry:   NewRegistry(),
		sessions:   make(map[*Session]struct{}),
		accept:     make(chan *Session),
		inbound:    make(chan inboundFrame),
		unregister: make(chan *Session),
		notify:     make(chan struct{}, 1),
		queries:    make(chan func()),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Accept hands a freshly upgraded connection to the hub, which starts its
// pumps. The connection is closed if the hub is shutting down.
func (h *Hub) Accept(conn *websocket.Conn, remoteAddr string) {
	s := newSession(conn, h, remoteAddr)
	select {
	case h.accept <- s:
	case <-h.ctx.Done():
		_ = conn.Close()
	}
}

// deliver passes a frame from a read pump to the hub. It returns false when
// the hub has stopped.
func (h *Hub) deliver(s *Session, frame []byte) bool {
	select {
	case h.inbound <- inboundFrame{session: s, data: frame}:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// dropped reports a dead connection from its read pump.
func (h *Hub) dropped(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.ctx.Done():
	}
}

// NotifyUsersChanged asks the hub to push a users-changed notice to every
// authenticated session. Calls coalesce and never block.
func (h *Hub) NotifyUsersChanged() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// do runs fn on the hub goroutine and waits for it.
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case h.queries <- wrapped:
	case <-h.ctx.Done():
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// OnlineUsers returns the names of the authenticated sessions.
func (h *Hub) OnlineUsers(ctx context.Context) ([]string, error) {
	var names []string
	err := h.do(ctx, func() { names = h.registry.Names() })
	return names, err
}

// SessionCount returns the number of open connections, authenticated or not.
func (h *Hub) SessionCount(ctx context.Context) (int, error) {
	var n int
	err := h.do(ctx, func() { n = len(h.sessions) })
	return n, err
}

func (h *Hub) sweepInterval() time.Duration {
	interval := h.cfg.AuthTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}

// Run starts the hub's main event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	sweep := time.NewTicker(h.sweepInterval())
	defer sweep.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case s := <-h.accept:
			h.sessions[s] = struct{}{}
			s.logger.Info("Client connected", "sessions", len(h.sessions))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				s.writePump()
			}()
			go func() {
				defer h.wg.Done()
				s.readPump()
			}()

		case f := <-h.inbound:
			h.handleFrame(f.session, f.data)

		case s := <-h.unregister:
			h.disconnect(s, "connection closed")

		case <-h.notify:
			h.broadcastUsersChanged()

		case fn := <-h.queries:
			fn()

		case <-sweep.C:
			h.expireHandshakes()
		}
	}
}

func (h *Hub) storageContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storageTimeout)
}

func (h *Hub) handleFrame(s *Session, frame []byte) {
	if _, live := h.sessions[s]; !live {
		return
	}
	s.lastActivity = h.now()

	msg, err := h.codec.Decode(frame)
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) {
		s.logger.Warn("Undecodable frame", "error", err)
		h.disconnect(s, "undecodable frame")
		return
	}

	if s.state != Authenticated {
		h.handshake(s, msg, err)
		return
	}

	if !s.limiter.allow() {
		s.logger.Warn("Rate limit exceeded; discarding frame",
			"burst", h.cfg.RateLimit.Burst, "interval", h.cfg.RateLimit.RefillInterval)
		h.reply(s, protocol.BadRequest("rate limit exceeded"))
		return
	}

	if err != nil {
		s.logger.Info("Malformed request", "user", s.name, "error", err)
		h.reply(s, protocol.BadRequest("malformed request"))
		return
	}

	req, ok := msg.(protocol.Request)
	if !ok {
		h.reply(s, protocol.BadRequest("malformed request"))
		return
	}
	h.route(s, req, frame)
}

// reply encodes msg and queues it for s. A session whose queue is full is
// disconnected.
func (h *Hub) reply(s *Session, msg protocol.Message) bool {
	frame, err := h.codec.Encode(msg)
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		s.logger.Warn("Reply exceeds maximum frame size", "error", err)
		frame, err = h.codec.Encode(protocol.BadRequest("response too large"))
	}
	if err != nil {
		s.logger.Error("Error encoding reply", "error", err)
		return false
	}
	if !s.enqueue(frame) {
		h.disconnect(s, "send buffer full")
		return false
	}
	return true
}

// fail sends a final error reply and closes the session.
func (h *Hub) fail(s *Session, text string) {
	if h.reply(s, protocol.BadRequest(text)) {
		h.disconnect(s, text)
	}
}

// disconnect removes s from every table and closes its outbound queue; the
// write pump then closes the socket. It is idempotent.
func (h *Hub) disconnect(s *Session, reason string) {
	if _, live := h.sessions[s]; !live {
		return
	}
	delete(h.sessions, s)

	if s.state == Authenticated {
		if current, ok := h.registry.Lookup(s.name); ok && current == s {
			h.registry.Unregister(s.name)
			ctx, cancel := h.storageContext()
			if err := h.store.RecordLogout(ctx, s.name); err != nil {
				s.logger.Error("Error recording logout", "user", s.name, "error", err)
			}
			cancel()
		}
	}
	s.state = Closed
	close(s.send)

	s.logger.Info("Client disconnected", "user", s.name, "reason", reason, "sessions", len(h.sessions))
}

func (h *Hub) broadcastUsersChanged() {
	frame, err := h.codec.Encode(protocol.UsersChanged())
	if err != nil {
		h.logger.Error("Error encoding users-changed notice", "error", err)
		return
	}

	var failed []*Session
	for s := range h.sessions {
		if s.state == Authenticated && !s.enqueue(frame) {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		h.disconnect(s, "send buffer full")
	}
	h.logger.Debug("Users-changed notice sent", "sessions", h.registry.Len())
}

func (h *Hub) expireHandshakes() {
	deadline := h.now().Add(-h.cfg.AuthTimeout)
	var expired []*Session
	for s := range h.sessions {
		if s.state != Authenticated && s.connectedAt.Before(deadline) {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		h.disconnect(s, "authentication timeout")
	}
}

func (h *Hub) shutdownSessions() {
	h.logger.Info("Shutting down all client connections...")

	count := len(h.sessions)
	for s := range h.sessions {
		h.disconnect(s, "server shutdown")
	}

	h.logger.Info("Closed client connections", "count", count)
}

// Shutdown stops the hub, closes every session and waits for the pump
// goroutines, up to timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
