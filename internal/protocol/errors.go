package protocol

import (
	"errors"
	"fmt"
)

// ErrFrameTooLarge is returned by Encode when the serialized message does not
// fit in the configured maximum frame size.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// DecodeError reports a frame that is not a serialized JSON object at all.
// Receivers treat it as a broken connection.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// InvalidMessageError reports a well-formed JSON object that is not a valid
// protocol message: unknown action, or a missing or ill-typed required field.
type InvalidMessageError struct {
	Action Action
	Field  string
	Reason string
}

func (e *InvalidMessageError) Error() string {
	switch {
	case e.Action != "" && e.Field != "":
		return fmt.Sprintf("invalid %s message: field %q %s", e.Action, e.Field, e.Reason)
	case e.Action != "":
		return fmt.Sprintf("invalid %s message: %s", e.Action, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid message: field %q %s", e.Field, e.Reason)
	default:
		return "invalid message: " + e.Reason
	}
}
