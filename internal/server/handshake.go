package server

import (
	"github.com/Tyrowin/nexus-chat-server/internal/auth"
	"github.com/Tyrowin/nexus-chat-server/internal/protocol"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

// Handshake failure texts.
const (
	errAuthRequired   = "authentication required"
	errNameInUse      = "name already in use"
	errNotRegistered  = "user is not registered"
	errBadPassword    = "bad password"
	errStorageFailure = "storage error"
)

// handshake advances the authentication state machine of s with one decoded
// frame. decodeErr is the protocol-level validation error, if any. Every
// failure answers 400 and closes the session.
func (h *Hub) handshake(s *Session, msg protocol.Message, decodeErr error) {
	switch s.state {
	case AwaitingPresence:
		presence, ok := msg.(*protocol.Presence)
		if decodeErr != nil || !ok {
			s.logger.Info("First frame is not presence")
			h.fail(s, errAuthRequired)
			return
		}
		h.beginChallenge(s, presence)

	case AwaitingChallengeResponse:
		resp, ok := msg.(*protocol.Response)
		if decodeErr != nil || !ok || resp.Code != protocol.StatusChallenge {
			s.logger.Info("Expected challenge response", "user", s.pendingName)
			h.fail(s, errBadPassword)
			return
		}
		h.completeChallenge(s, resp.Data)
	}
}

func (h *Hub) beginChallenge(s *Session, p *protocol.Presence) {
	name := p.AccountName
	if _, live := h.registry.Lookup(name); live {
		s.logger.Info("Name already in use", "user", name)
		h.fail(s, errNameInUse)
		return
	}

	ctx, cancel := h.storageContext()
	verifier, err := h.store.Verifier(ctx, name)
	cancel()
	if storage.IsNotFound(err) {
		s.logger.Info("Unknown account", "user", name)
		h.fail(s, errNotRegistered)
		return
	}
	if err != nil {
		s.logger.Error("Error reading verifier", "user", name, "error", err)
		h.fail(s, errStorageFailure)
		return
	}

	nonce, err := auth.NewNonce()
	if err != nil {
		s.logger.Error("Error generating nonce", "error", err)
		h.disconnect(s, "nonce generation failed")
		return
	}

	s.pendingName = name
	s.pubkey = p.PublicKey
	s.expected = auth.Digest(verifier, nonce)
	s.state = AwaitingChallengeResponse
	h.reply(s, protocol.Challenge(nonce))
}

func (h *Hub) completeChallenge(s *Session, answer string) {
	name := s.pendingName
	ok, err := auth.Verify(s.expected, answer)
	s.expected = nil
	if err != nil || !ok {
		s.logger.Info("Challenge failed", "user", name, "error", err)
		h.fail(s, errBadPassword)
		return
	}

	// A concurrent handshake for the same name may have completed first.
	if !h.registry.Register(name, s) {
		s.logger.Info("Name already in use", "user", name)
		h.fail(s, errNameInUse)
		return
	}
	s.name = name
	s.pendingName = ""
	s.state = Authenticated

	ctx, cancel := h.storageContext()
	err = h.store.RecordLogin(ctx, name, s.ip, s.port, s.pubkey)
	cancel()
	if err != nil {
		s.logger.Error("Error recording login", "user", name, "error", err)
		h.fail(s, errStorageFailure)
		return
	}

	s.logger.Info("User authenticated", "user", name, "online", h.registry.Len())
	h.reply(s, protocol.OK())
}
