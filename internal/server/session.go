package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// AuthState is the position of a session in the authentication handshake.
type AuthState int

const (
	// AwaitingPresence is the state of a new connection.
	AwaitingPresence AuthState = iota
	// AwaitingChallengeResponse follows a presence; a nonce has been sent.
	AwaitingChallengeResponse
	// Authenticated sessions own their name in the registry.
	Authenticated
	// Closed sessions have been removed from the hub.
	Closed
)

func (s AuthState) String() string {
	switch s {
	case AwaitingPresence:
		return "awaiting-presence"
	case AwaitingChallengeResponse:
		return "awaiting-challenge-response"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client connection. Everything except the pumps' use of conn
// and send is owned by the hub goroutine.
type Session struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	addr   string
	ip     string
	port   int
	logger *slog.Logger

	state AuthState
	// name is set once authenticated; pendingName during the challenge.
	name        string
	pendingName string
	expected    []byte
	pubkey      string

	connectedAt  time.Time
	lastActivity time.Time
	limiter      *rateLimiter
}

func newSession(conn *websocket.Conn, hub *Hub, addr string) *Session {
	ip, port := splitAddr(addr)
	now := hub.now()
	id := uuid.NewString()

	if conn != nil {
		conn.SetReadLimit(hub.cfg.MaxMessageSize)
	}

	return &Session{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		hub:          hub,
		addr:         addr,
		ip:           ip,
		port:         port,
		logger:       hub.logger.With("session", id, "remote", addr),
		state:        AwaitingPresence,
		connectedAt:  now,
		lastActivity: now,
		limiter:      newRateLimiter(hub.cfg.RateLimit, hub.now),
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

func splitAddr(addr string) (string, int) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return host, 0
	}
	return host, port
}

// enqueue hands frame to the write pump without blocking. It returns false
// when the outbound queue is full or already closed. Hub goroutine only.
func (s *Session) enqueue(frame []byte) bool {
	if s.state == Closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Debug("Error setting initial read deadline", "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.logger.Debug("Error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError records why the read loop stopped.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("Frame exceeded maximum size", "limit", s.hub.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.logger.Info("Client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.logger.Info("Client connection closed", "reason", err)
	default:
		s.logger.Warn("WebSocket read error", "error", err)
	}
}

func (s *Session) readPump() {
	defer func() {
		s.hub.dropped(s)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Debug("Error closing connection in readPump", "error", err)
		}
	}()

	s.setupReadConnection()

	for {
		messageType, frame, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			s.logger.Warn("Binary frame received; closing")
			return
		}
		if !s.hub.deliver(s, frame) {
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for s.processWriteEvent(ticker) {
	}
}

func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-s.send:
		return s.handleFrame(frame, ok)
	case <-ticker.C:
		return s.handlePing()
	}
}

func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug("Error closing connection in writePump", "error", err)
	}
}

// handleFrame writes one outgoing frame and returns false once the
// connection should be closed.
func (s *Session) handleFrame(frame []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Debug("Error setting write deadline", "error", err)
		return false
	}

	if !ok {
		err := s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil && !isExpectedCloseError(err) {
			s.logger.Debug("Error writing close message", "error", err)
		}
		return false
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.Warn("Error writing frame", "error", err)
		return false
	}
	return true
}

func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Debug("Error setting write deadline for ping", "error", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.logger.Warn("Error writing ping message", "error", err)
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return strings.Contains(err.Error(), "broken pipe")
}
