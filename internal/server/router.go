package server

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/nexus-chat-server/internal/protocol"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

// route dispatches a request from an authenticated session. raw is the frame
// as received, forwarded verbatim for chat messages.
func (h *Hub) route(s *Session, req protocol.Request, raw []byte) {
	switch m := req.(type) {
	case *protocol.Presence:
		h.reply(s, protocol.BadRequest("already authenticated"))

	case *protocol.ChatMessage:
		if !h.checkIdentity(s, m.Sender) {
			return
		}
		h.routeMessage(s, m, raw)

	case *protocol.Exit:
		if !h.checkIdentity(s, m.AccountName) {
			return
		}
		h.disconnect(s, "exit")

	case *protocol.GetContacts:
		if !h.checkIdentity(s, m.User) {
			return
		}
		ctx, cancel := h.storageContext()
		contacts, err := h.store.Contacts(ctx, s.name)
		cancel()
		if err != nil {
			h.storageFailed(s, req, err)
			return
		}
		h.reply(s, protocol.List(contacts))

	case *protocol.AddContact:
		if !h.checkIdentity(s, m.User) {
			return
		}
		ctx, cancel := h.storageContext()
		err := h.store.AddContact(ctx, s.name, m.Contact)
		cancel()
		if storage.IsNotFound(err) {
			h.reply(s, protocol.BadRequest(errNotRegistered))
			return
		}
		if err != nil {
			h.storageFailed(s, req, err)
			return
		}
		h.reply(s, protocol.OK())

	case *protocol.RemoveContact:
		if !h.checkIdentity(s, m.User) {
			return
		}
		ctx, cancel := h.storageContext()
		err := h.store.RemoveContact(ctx, s.name, m.Contact)
		cancel()
		if err != nil {
			h.storageFailed(s, req, err)
			return
		}
		h.reply(s, protocol.OK())

	case *protocol.UsersRequest:
		ctx, cancel := h.storageContext()
		names, err := h.store.AccountNames(ctx)
		cancel()
		if err != nil {
			h.storageFailed(s, req, err)
			return
		}
		h.reply(s, protocol.List(names))

	case *protocol.ActiveUsers:
		h.reply(s, protocol.List(h.registry.Names()))

	case *protocol.PublicKeyRequest:
		ctx, cancel := h.storageContext()
		key, err := h.store.PublicKey(ctx, m.AccountName)
		cancel()
		switch {
		case errors.Is(err, storage.ErrNoPublicKey), storage.IsNotFound(err):
			h.reply(s, protocol.BadRequest(fmt.Sprintf("no public key for %s", m.AccountName)))
		case err != nil:
			h.storageFailed(s, req, err)
		default:
			h.reply(s, protocol.Challenge(key))
		}

	default:
		h.reply(s, protocol.BadRequest("malformed request"))
	}
}

// checkIdentity answers 400 when a request names an account other than the
// session's own.
func (h *Hub) checkIdentity(s *Session, claimed string) bool {
	if claimed == s.name {
		return true
	}
	s.logger.Warn("Identity mismatch", "user", s.name, "claimed", claimed)
	h.reply(s, protocol.BadRequest("identity does not match session"))
	return false
}

func (h *Hub) routeMessage(s *Session, m *protocol.ChatMessage, raw []byte) {
	dest, online := h.registry.Lookup(m.Destination)
	if !online {
		h.reply(s, protocol.Unavailable(fmt.Sprintf("user %s is not online", m.Destination)))
		return
	}

	if !dest.enqueue(raw) {
		h.disconnect(dest, "send buffer full")
		h.reply(s, protocol.Unavailable(fmt.Sprintf("user %s is not online", m.Destination)))
		return
	}

	// The message is already on its way; a counter failure is only logged.
	ctx, cancel := h.storageContext()
	if err := h.store.BumpSent(ctx, s.name); err != nil {
		s.logger.Error("Error updating sent counter", "user", s.name, "error", err)
	}
	if err := h.store.BumpReceived(ctx, dest.name); err != nil {
		s.logger.Error("Error updating received counter", "user", dest.name, "error", err)
	}
	cancel()

	s.logger.Debug("Message delivered", "from", s.name, "to", dest.name)
	h.reply(s, protocol.OK())
}

func (h *Hub) storageFailed(s *Session, req protocol.Request, err error) {
	s.logger.Error("Storage error", "user", s.name, "action", req.Action(), "error", err)
	h.reply(s, protocol.BadRequest(errStorageFailure))
}
