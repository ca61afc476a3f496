package protocol

import (
	"strconv"
	"time"
)

// Action is the request discriminator carried in the "action" field.
type Action string

// Recognized actions.
const (
	ActionPresence         Action = "presence"
	ActionMessage          Action = "message"
	ActionExit             Action = "exit"
	ActionGetContacts      Action = "get-contacts"
	ActionAddContact       Action = "add-contact"
	ActionRemoveContact    Action = "remove-contact"
	ActionUsersRequest     Action = "users-request"
	ActionActiveUsers      Action = "active-users"
	ActionPublicKeyRequest Action = "pubkey-request"
)

// Status is the numeric code carried in the "response" field.
type Status int

// Response codes.
const (
	StatusOK           Status = 200
	StatusList         Status = 202
	StatusUsersChanged Status = 205
	StatusBadRequest   Status = 400
	StatusUnavailable  Status = 444
	StatusChallenge    Status = 511
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "200 OK"
	case StatusList:
		return "202 List"
	case StatusUsersChanged:
		return "205 Users Changed"
	case StatusBadRequest:
		return "400 Bad Request"
	case StatusUnavailable:
		return "444 Unavailable"
	case StatusChallenge:
		return "511 Challenge"
	default:
		return strconv.Itoa(int(s))
	}
}

// IsError reports whether the status signals a failed request.
func (s Status) IsError() bool {
	return s == StatusBadRequest || s == StatusUnavailable
}

// Message is a decoded frame. It is implemented by the request variants and by
// *Response only.
type Message interface {
	message()
}

// Request is a Message that carries an action.
type Request interface {
	Message
	Action() Action
}

// Presence opens the authentication handshake for an account.
type Presence struct {
	Time        float64
	AccountName string
	PublicKey   string
}

// ChatMessage is a user-to-user chat message.
type ChatMessage struct {
	Time        float64
	Sender      string
	Destination string
	Text        string
}

// Exit announces an orderly logout.
type Exit struct {
	Time        float64
	AccountName string
}

// GetContacts asks for the contact list of User.
type GetContacts struct {
	Time float64
	User string
}

// AddContact adds Contact to the contact list of User.
type AddContact struct {
	Time    float64
	User    string
	Contact string
}

// RemoveContact removes Contact from the contact list of User.
type RemoveContact struct {
	Time    float64
	User    string
	Contact string
}

// UsersRequest asks for every registered account name.
type UsersRequest struct {
	Time        float64
	AccountName string
}

// ActiveUsers asks for the names of the accounts currently online.
type ActiveUsers struct {
	Time        float64
	AccountName string
}

// PublicKeyRequest asks for the public key of AccountName.
type PublicKeyRequest struct {
	Time        float64
	AccountName string
}

// Response is a status reply. Error is set on 400 and 444, Data on 511 and
// List on 202.
type Response struct {
	Code  Status
	Error string
	Data  string
	List  []string
}

func (*Presence) message()         {}
func (*ChatMessage) message()      {}
func (*Exit) message()             {}
func (*GetContacts) message()      {}
func (*AddContact) message()       {}
func (*RemoveContact) message()    {}
func (*UsersRequest) message()     {}
func (*ActiveUsers) message()      {}
func (*PublicKeyRequest) message() {}
func (*Response) message()         {}

// Action implements Request.
func (*Presence) Action() Action { return ActionPresence }

// Action implements Request.
func (*ChatMessage) Action() Action { return ActionMessage }

// Action implements Request.
func (*Exit) Action() Action { return ActionExit }

// Action implements Request.
func (*GetContacts) Action() Action { return ActionGetContacts }

// Action implements Request.
func (*AddContact) Action() Action { return ActionAddContact }

// Action implements Request.
func (*RemoveContact) Action() Action { return ActionRemoveContact }

// Action implements Request.
func (*UsersRequest) Action() Action { return ActionUsersRequest }

// Action implements Request.
func (*ActiveUsers) Action() Action { return ActionActiveUsers }

// Action implements Request.
func (*PublicKeyRequest) Action() Action { return ActionPublicKeyRequest }

// Now returns the current time in the advisory "time" field format.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewPresence builds a presence request for name advertising pubkey.
func NewPresence(name, pubkey string) *Presence {
	return &Presence{Time: Now(), AccountName: name, PublicKey: pubkey}
}

// NewChatMessage builds a chat message from sender to destination.
func NewChatMessage(sender, destination, text string) *ChatMessage {
	return &ChatMessage{Time: Now(), Sender: sender, Destination: destination, Text: text}
}

// NewExit builds an exit request for name.
func NewExit(name string) *Exit {
	return &Exit{Time: Now(), AccountName: name}
}

// NewGetContacts builds a contact list request for user.
func NewGetContacts(user string) *GetContacts {
	return &GetContacts{Time: Now(), User: user}
}

// NewAddContact builds a request adding contact to user's list.
func NewAddContact(user, contact string) *AddContact {
	return &AddContact{Time: Now(), User: user, Contact: contact}
}

// NewRemoveContact builds a request removing contact from user's list.
func NewRemoveContact(user, contact string) *RemoveContact {
	return &RemoveContact{Time: Now(), User: user, Contact: contact}
}

// NewUsersRequest builds a registered-users request issued by name.
func NewUsersRequest(name string) *UsersRequest {
	return &UsersRequest{Time: Now(), AccountName: name}
}

// NewActiveUsers builds an online-users request issued by name.
func NewActiveUsers(name string) *ActiveUsers {
	return &ActiveUsers{Time: Now(), AccountName: name}
}

// NewPublicKeyRequest builds a public key lookup for name.
func NewPublicKeyRequest(name string) *PublicKeyRequest {
	return &PublicKeyRequest{Time: Now(), AccountName: name}
}

// OK returns a bare 200 response.
func OK() *Response {
	return &Response{Code: StatusOK}
}

// List returns a 202 response carrying items.
func List(items []string) *Response {
	if items == nil {
		items = []string{}
	}
	return &Response{Code: StatusList, List: items}
}

// UsersChanged returns the 205 notification pushed when the account table changes.
func UsersChanged() *Response {
	return &Response{Code: StatusUsersChanged}
}

// BadRequest returns a 400 response with the given error text.
func BadRequest(text string) *Response {
	return &Response{Code: StatusBadRequest, Error: text}
}

// Unavailable returns a 444 response with the given error text.
func Unavailable(text string) *Response {
	return &Response{Code: StatusUnavailable, Error: text}
}

// Challenge returns a 511 response carrying data (a nonce, a digest or a key).
func Challenge(data string) *Response {
	return &Response{Code: StatusChallenge, Data: data}
}
