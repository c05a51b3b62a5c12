// Package protocol defines the envelope format exchanged with the Veia
// server: one JSON object per frame, tagged by action, with an
// action-specific data payload and an optional success flag on responses.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Envelope actions
const (
	ActionAuthenticate  = "authenticate"
	ActionRefreshToken  = "refresh_access_token"
	ActionLogin         = "login"
	ActionSignUp        = "sign_up"
	ActionUpdateUser    = "update_user"
	ActionGetChats      = "get_chats"
	ActionGetUpdates    = "get_updates"
	ActionGetMessages   = "get_messages"
	ActionSearchUsers   = "search_users"
	ActionNewMessage    = "new_message"
	ActionEditMessage   = "edit_message"
	ActionDeleteMessage = "delete_message"
	ActionReadMessage   = "read_message"
	ActionStatusChange  = "status_change"
)

// RequestActions lists the actions that are requests with a matching
// response. Server-pushed events (status_change, unsolicited new_message
// echoes and friends) are correlated by nothing and never carry success.
var RequestActions = []string{
	ActionAuthenticate,
	ActionRefreshToken,
	ActionLogin,
	ActionSignUp,
	ActionUpdateUser,
	ActionGetChats,
	ActionGetUpdates,
	ActionGetMessages,
	ActionSearchUsers,
	ActionNewMessage,
	ActionEditMessage,
	ActionDeleteMessage,
	ActionReadMessage,
}

// Envelope is one protocol message. Inbound envelopes keep Data raw; callers
// decode it with the payload type matching Action. Success is nil on
// requests and pushed events, non-nil on responses.
type Envelope struct {
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data,omitempty"`
	Success *bool           `json:"success,omitempty"`
}

// Ok reports whether the envelope is a response marked successful.
func (e *Envelope) Ok() bool {
	return e.Success != nil && *e.Success
}

// Failed reports whether the envelope is a response marked failed.
func (e *Envelope) Failed() bool {
	return e.Success != nil && !*e.Success
}

// DecodeData unmarshals the payload into v.
func (e *Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return errors.Errorf("%s: envelope has no data", e.Action)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(err, "decode %s data", e.Action)
	}
	return nil
}

// ParseError is returned by Decode for malformed input. The dispatcher drops
// such frames; they must never tear down the connection.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "protocol: " + e.Reason
}

// Encode serializes an outbound envelope. data may be nil for bare requests
// like get_chats.
func Encode(action string, data interface{}) ([]byte, error) {
	env := Envelope{Action: action}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s data", action)
		}
		env.Data = raw
	}
	out, err := json.Marshal(&env)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", action)
	}
	return out, nil
}

// Decode parses one inbound frame.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	if env.Action == "" {
		return nil, &ParseError{Reason: "envelope without action"}
	}
	return &env, nil
}
