package ws

import "encoding/json"

// Action names the inbound commands a client may send. Everything flowing
// the other way is an event.Envelope.
type Action string

const (
	ActionStartJob    Action = "start_job"
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionPing        Action = "ping"
)

// Command is one inbound client frame.
type Command struct {
	Action    Action          `json:"action"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorFrame is the synchronous reply to a command the server rejected
// (unknown session, bad payload, malformed frame). It is deliberately not
// an envelope kind: it answers one command rather than reporting a system
// event.
type ErrorFrame struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Action  Action `json:"action,omitempty"`
	Message string `json:"message"`
}

func newErrorFrame(action Action, message string) []byte {
	data, _ := json.Marshal(ErrorFrame{Error: ErrorBody{Action: action, Message: message}})
	return data
}
