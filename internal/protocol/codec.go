package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// DefaultMaxFrameSize bounds a frame when no explicit limit is configured.
const DefaultMaxFrameSize = 1024

// Wire keys.
const (
	keyAction      = "action"
	keyTime        = "time"
	keyUser        = "user"
	keyAccountName = "account-name"
	keyPublicKey   = "pubkey"
	keySender      = "sender"
	keyDestination = "destination"
	keyMessageText = "message-text"
	keyResponse    = "response"
	keyError       = "error"
	keyData        = "data"
	keyDataList    = "data-list"
)

// Codec converts messages to and from frames no larger than MaxFrameSize bytes.
type Codec struct {
	maxFrameSize int
}

// NewCodec returns a Codec bounded by maxFrameSize. Non-positive values select
// DefaultMaxFrameSize.
func NewCodec(maxFrameSize int) *Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{maxFrameSize: maxFrameSize}
}

// MaxFrameSize returns the frame size limit.
func (c *Codec) MaxFrameSize() int {
	return c.maxFrameSize
}

type wireUser struct {
	AccountName string `json:"account-name"`
	PublicKey   string `json:"pubkey,omitempty"`
}

type wirePresence struct {
	Action Action   `json:"action"`
	Time   float64  `json:"time"`
	User   wireUser `json:"user"`
}

type wireChatMessage struct {
	Action      Action  `json:"action"`
	Time        float64 `json:"time"`
	Sender      string  `json:"sender"`
	Destination string  `json:"destination"`
	Text        string  `json:"message-text"`
}

type wireNamed struct {
	Action      Action  `json:"action"`
	Time        float64 `json:"time"`
	AccountName string  `json:"account-name,omitempty"`
}

type wireUserRequest struct {
	Action Action  `json:"action"`
	Time   float64 `json:"time"`
	User   string  `json:"user"`
}

type wireContactRequest struct {
	Action  Action  `json:"action"`
	Time    float64 `json:"time"`
	User    string  `json:"user"`
	Contact string  `json:"account-name"`
}

type wireResponse struct {
	Response Status `json:"response"`
	Error    string `json:"error,omitempty"`
	Data     string `json:"data,omitempty"`
}

type wireListResponse struct {
	Response Status   `json:"response"`
	List     []string `json:"data-list"`
}

// Encode serializes msg into a UTF-8 JSON frame.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	var v any
	switch m := msg.(type) {
	case *Presence:
		v = wirePresence{Action: ActionPresence, Time: m.Time, User: wireUser{AccountName: m.AccountName, PublicKey: m.PublicKey}}
	case *ChatMessage:
		v = wireChatMessage{Action: ActionMessage, Time: m.Time, Sender: m.Sender, Destination: m.Destination, Text: m.Text}
	case *Exit:
		v = wireNamed{Action: ActionExit, Time: m.Time, AccountName: m.AccountName}
	case *GetContacts:
		v = wireUserRequest{Action: ActionGetContacts, Time: m.Time, User: m.User}
	case *AddContact:
		v = wireContactRequest{Action: ActionAddContact, Time: m.Time, User: m.User, Contact: m.Contact}
	case *RemoveContact:
		v = wireContactRequest{Action: ActionRemoveContact, Time: m.Time, User: m.User, Contact: m.Contact}
	case *UsersRequest:
		v = wireNamed{Action: ActionUsersRequest, Time: m.Time, AccountName: m.AccountName}
	case *ActiveUsers:
		v = wireNamed{Action: ActionActiveUsers, Time: m.Time, AccountName: m.AccountName}
	case *PublicKeyRequest:
		v = wireNamed{Action: ActionPublicKeyRequest, Time: m.Time, AccountName: m.AccountName}
	case *Response:
		if m.Code == StatusList {
			list := m.List
			if list == nil {
				list = []string{}
			}
			v = wireListResponse{Response: m.Code, List: list}
		} else {
			v = wireResponse{Response: m.Code, Error: m.Error, Data: m.Data}
		}
	case nil:
		return nil, fmt.Errorf("encode frame: nil message")
	default:
		return nil, fmt.Errorf("encode frame: unsupported message type %T", msg)
	}

	frame, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(frame) > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(frame), c.maxFrameSize)
	}
	return frame, nil
}

// Decode parses frame into one of the message variants. It returns a
// *DecodeError when the frame is not a JSON object and an
// *InvalidMessageError when the object is not a valid message.
func (c *Codec) Decode(frame []byte) (Message, error) {
	if len(frame) > c.maxFrameSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("frame of %d bytes exceeds maximum of %d", len(frame), c.maxFrameSize)}
	}
	if !utf8.Valid(frame) {
		return nil, &DecodeError{Reason: "frame is not valid UTF-8"}
	}

	var f fields
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, &DecodeError{Reason: "frame is not a JSON object", Err: err}
	}
	if f == nil {
		return nil, &DecodeError{Reason: "frame is not a JSON object"}
	}

	_, hasAction := f[keyAction]
	_, hasResponse := f[keyResponse]
	switch {
	case hasAction && hasResponse:
		return nil, &InvalidMessageError{Reason: "message carries both action and response"}
	case hasAction:
		return f.request()
	case hasResponse:
		return f.response()
	default:
		return nil, &InvalidMessageError{Reason: "message carries neither action nor response"}
	}
}

type fields map[string]json.RawMessage

func (f fields) request() (Request, error) {
	var action Action
	if err := json.Unmarshal(f[keyAction], &action); err != nil || action == "" {
		return nil, &InvalidMessageError{Field: keyAction, Reason: "must be a non-empty string"}
	}

	switch action {
	case ActionPresence:
		return f.presence()
	case ActionMessage:
		t, err := f.requiredTime(action)
		if err != nil {
			return nil, err
		}
		m := &ChatMessage{Time: t}
		if m.Sender, err = f.requiredString(action, keySender); err != nil {
			return nil, err
		}
		if m.Destination, err = f.requiredString(action, keyDestination); err != nil {
			return nil, err
		}
		if m.Text, err = f.presentString(action, keyMessageText); err != nil {
			return nil, err
		}
		return m, nil
	case ActionExit:
		name, err := f.requiredString(action, keyAccountName)
		if err != nil {
			return nil, err
		}
		return &Exit{Time: f.optionalTime(), AccountName: name}, nil
	case ActionGetContacts:
		user, err := f.requiredString(action, keyUser)
		if err != nil {
			return nil, err
		}
		return &GetContacts{Time: f.optionalTime(), User: user}, nil
	case ActionAddContact, ActionRemoveContact:
		user, err := f.requiredString(action, keyUser)
		if err != nil {
			return nil, err
		}
		contact, err := f.requiredString(action, keyAccountName)
		if err != nil {
			return nil, err
		}
		if action == ActionAddContact {
			return &AddContact{Time: f.optionalTime(), User: user, Contact: contact}, nil
		}
		return &RemoveContact{Time: f.optionalTime(), User: user, Contact: contact}, nil
	case ActionUsersRequest:
		name, err := f.requiredString(action, keyAccountName)
		if err != nil {
			return nil, err
		}
		return &UsersRequest{Time: f.optionalTime(), AccountName: name}, nil
	case ActionActiveUsers:
		name, err := f.optionalString(action, keyAccountName)
		if err != nil {
			return nil, err
		}
		return &ActiveUsers{Time: f.optionalTime(), AccountName: name}, nil
	case ActionPublicKeyRequest:
		name, err := f.requiredString(action, keyAccountName)
		if err != nil {
			return nil, err
		}
		return &PublicKeyRequest{Time: f.optionalTime(), AccountName: name}, nil
	default:
		return nil, &InvalidMessageError{Action: action, Reason: "unknown action"}
	}
}

func (f fields) presence() (*Presence, error) {
	t, err := f.requiredTime(ActionPresence)
	if err != nil {
		return nil, err
	}
	raw, ok := f[keyUser]
	if !ok {
		return nil, &InvalidMessageError{Action: ActionPresence, Field: keyUser, Reason: "is required"}
	}
	var user wireUser
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, &InvalidMessageError{Action: ActionPresence, Field: keyUser, Reason: "must be an object"}
	}
	if user.AccountName == "" {
		return nil, &InvalidMessageError{Action: ActionPresence, Field: keyUser + "." + keyAccountName, Reason: "is required"}
	}
	return &Presence{Time: t, AccountName: user.AccountName, PublicKey: user.PublicKey}, nil
}

func (f fields) response() (*Response, error) {
	var code int
	if err := json.Unmarshal(f[keyResponse], &code); err != nil {
		return nil, &InvalidMessageError{Field: keyResponse, Reason: "must be an integer"}
	}
	r := &Response{Code: Status(code)}

	var err error
	if r.Error, err = f.optionalString("", keyError); err != nil {
		return nil, err
	}
	if r.Data, err = f.optionalString("", keyData); err != nil {
		return nil, err
	}
	if raw, ok := f[keyDataList]; ok {
		if err := json.Unmarshal(raw, &r.List); err != nil {
			return nil, &InvalidMessageError{Field: keyDataList, Reason: "must be a list of strings"}
		}
	}
	if r.Code == StatusList && r.List == nil {
		r.List = []string{}
	}
	return r, nil
}

// requiredString returns a non-empty string field.
func (f fields) requiredString(action Action, key string) (string, error) {
	s, err := f.optionalString(action, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", &InvalidMessageError{Action: action, Field: key, Reason: "is required"}
	}
	return s, nil
}

// presentString returns a string field that must exist but may be empty.
func (f fields) presentString(action Action, key string) (string, error) {
	if _, ok := f[key]; !ok {
		return "", &InvalidMessageError{Action: action, Field: key, Reason: "is required"}
	}
	return f.optionalString(action, key)
}

func (f fields) optionalString(action Action, key string) (string, error) {
	raw, ok := f[key]
	if !ok {
		return "", nil
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &InvalidMessageError{Action: action, Field: key, Reason: "must be a string"}
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

func (f fields) requiredTime(action Action) (float64, error) {
	raw, ok := f[keyTime]
	if !ok {
		return 0, &InvalidMessageError{Action: action, Field: keyTime, Reason: "is required"}
	}
	var t float64
	if err := json.Unmarshal(raw, &t); err != nil {
		return 0, &InvalidMessageError{Action: action, Field: keyTime, Reason: "must be a number"}
	}
	return t, nil
}

// optionalTime is advisory; a missing or malformed value reads as zero.
func (f fields) optionalTime() float64 {
	var t float64
	if raw, ok := f[keyTime]; ok {
		_ = json.Unmarshal(raw, &t)
	}
	return t
}
