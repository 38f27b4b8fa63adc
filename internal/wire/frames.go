// Package wire defines the JSON frame formats exchanged over the
// connection endpoint's single multiplexed WebSocket channel, per the
// protocol enumerated in the specification's external interfaces section.
package wire

import "encoding/json"

// Client frame type tags.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSendKeys     = "sendKeys"
	TypeResize       = "resize"
	TypeClaim        = "claim"
	TypeRelease      = "release"
	TypeForceRelease = "forceRelease"
	TypePing         = "ping"
)

// Server frame type tags.
const (
	TypeConnected = "connected"
	TypeOutput    = "output"
	TypeClaimed   = "claimed"
	TypeReleased  = "released"
	TypePresence  = "presence"
	TypeError     = "error"
	TypePong      = "pong"
)

// Error codes carried on ServerFrame.Code.
const (
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrLocked          = "LOCKED"
	ErrNotHolder       = "NOT_HOLDER"
	ErrPreempted       = "PREEMPTED"
	ErrBadFrame        = "BAD_FRAME"
	ErrIO              = "IO"
	ErrSessionLost     = "SESSION_LOST"
	ErrSlowConsumer    = "SLOW_CONSUMER"
	ErrIdleTimeout     = "IDLE_TIMEOUT"
	ErrServerShutdown  = "SERVER_SHUTDOWN"
	ErrRateLimited     = "RATE_LIMITED"
)

// Released reasons.
const (
	ReasonHolderGone = "holder_gone"
	ReasonExpired    = "expired"
	ReasonForced     = "forced"
)

// Claimed reasons.
const (
	ReasonPreempted = "preempted"
	ReasonRenewed   = "renewed"
)

// ClientFrame is the envelope decoded from each incoming wire message. Only
// the fields relevant to Type are populated; the rest are the JSON zero
// value.
type ClientFrame struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName,omitempty"`
	Keys        string `json:"keys,omitempty"`
	Cols        uint16 `json:"cols,omitempty"`
	Rows        uint16 `json:"rows,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

// UserRef identifies a user on the wire without leaking internal fields.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PresenceUser is one row of a presence snapshot.
type PresenceUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Idle   bool   `json:"idle"`
}

// ServerFrame is the envelope encoded for each outgoing wire message.
// Exactly one of the pointer/value groups below is meaningful, selected by
// Type; the omitempty tags keep the unused groups out of the default JSON
// encoding, which yields the flat shape documented by the protocol.
type ServerFrame struct {
	Type string `json:"type"`

	// connected
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`

	// output
	SessionName string `json:"sessionName,omitempty"`
	Seq         uint64 `json:"seq,omitempty"`
	Data        string `json:"data,omitempty"`

	// claimed
	By        *UserRef `json:"by,omitempty"`
	ExpiresAt string   `json:"expiresAt,omitempty"`
	Reason    string   `json:"reason,omitempty"`

	// presence
	Users []PresenceUser `json:"users,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	HeldBy  string `json:"heldBy,omitempty"`

	// pong
	Nonce string `json:"nonce,omitempty"`
}

// Encode marshals the frame to compact JSON, the format written to the
// wire by the connection endpoint's writer loop.
func (f *ServerFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a single client frame from raw wire bytes.
func Decode(raw []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ClientFrame{}, err
	}
	return f, nil
}

// Connected builds a connected frame.
func Connected(userID, role string) *ServerFrame {
	return &ServerFrame{Type: TypeConnected, UserID: userID, Role: role}
}

// Output builds an output frame.
func Output(sessionName string, seq uint64, data []byte) *ServerFrame {
	return &ServerFrame{Type: TypeOutput, SessionName: sessionName, Seq: seq, Data: string(data)}
}

// Claimed builds a claimed frame. reason is optional ("" for a fresh
// claim, ReasonRenewed, or ReasonPreempted).
func Claimed(sessionName string, by UserRef, expiresAt string, reason string) *ServerFrame {
	return &ServerFrame{Type: TypeClaimed, SessionName: sessionName, By: &by, ExpiresAt: expiresAt, Reason: reason}
}

// Released builds a released frame.
func Released(sessionName string, reason string) *ServerFrame {
	return &ServerFrame{Type: TypeReleased, SessionName: sessionName, Reason: reason}
}

// Presence builds a presence frame.
func Presence(sessionName string, users []PresenceUser) *ServerFrame {
	return &ServerFrame{Type: TypePresence, SessionName: sessionName, Users: users}
}

// Error builds an error frame. sessionName and heldBy are optional.
func Error(code, message, sessionName, heldBy string) *ServerFrame {
	return &ServerFrame{Type: TypeError, Code: code, Message: message, SessionName: sessionName, HeldBy: heldBy}
}

// Pong builds a pong frame echoing the client's nonce.
func Pong(nonce string) *ServerFrame {
	return &ServerFrame{Type: TypePong, Nonce: nonce}
}
