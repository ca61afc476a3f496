package client

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/nexus-chat-server/internal/protocol"
)

// Sentinel errors returned by the transport. A request timeout is reported
// wrapped in ErrConnectionLost.
var (
	ErrConnectFailed   = errors.New("could not connect to server")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrRequestTimeout  = errors.New("request timed out")
	ErrUserUnavailable = errors.New("user unavailable")
	ErrConnectionLost  = errors.New("connection lost")
	ErrClosed          = errors.New("transport closed")
)

// ServerError is an error response received from the server.
type ServerError struct {
	Code protocol.Status
	Text string
}

func (e *ServerError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("server replied %s", e.Code)
	}
	return fmt.Sprintf("server replied %s: %s", e.Code, e.Text)
}

// Unwrap maps 444 onto ErrUserUnavailable.
func (e *ServerError) Unwrap() error {
	if e.Code == protocol.StatusUnavailable {
		return ErrUserUnavailable
	}
	return nil
}

func serverError(resp *protocol.Response) *ServerError {
	return &ServerError{Code: resp.Code, Text: resp.Error}
}
