// Package protocol defines the chat wire format: the set of request and
// response variants exchanged between clients and the server, and the Codec
// that turns them into length-bounded UTF-8 JSON frames and back.
//
// Every frame is a single JSON object. Requests carry an "action"
// discriminator, responses carry a numeric "response" status. Decode validates
// the required fields of each action up front, so callers switch on the
// concrete variant type instead of probing map keys:
//
//	msg, err := codec.Decode(frame)
//	switch m := msg.(type) {
//	case *protocol.Presence:
//	    ...
//	case *protocol.ChatMessage:
//	    ...
//	case *protocol.Response:
//	    ...
//	}
//
// The codec does no framing of its own. The transport (a WebSocket message per
// frame) guarantees that one read yields exactly one frame.
package protocol
