// Package event defines the single wire message type exchanged with clients.
// Every envelope carries one of a closed set of kinds; the payload shape is
// determined by the kind and never exposes internal objects.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the immutable wire message. One JSON object per message.
// SessionID and ClientID are optional: ClientID is set only on directed
// envelopes, SessionID only on envelopes concerning a job session.
type Envelope struct {
	Kind      Kind      `json:"kind"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Payload   any       `json:"payload"`
}

type ConnectionStatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type JobRequestAckPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type JobProgressPayload struct {
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	StageLabel      string `json:"stage_label"`
}

type JobCompletedPayload struct {
	Result json.RawMessage `json:"result"`
}

type JobFailedPayload struct {
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`
}

type SystemStatusPayload struct {
	ActiveConnections int     `json:"active_connections"`
	ActiveSessions    int     `json:"active_sessions"`
	CPUPercent        float64 `json:"cpu_percent,omitempty"`
	MemoryPercent     float64 `json:"memory_percent,omitempty"`
}

// PresencePayload backs both client_joined and client_left.
type PresencePayload struct {
	ClientID string `json:"client_id"`
}

func newEnvelope(kind Kind) *Envelope {
	return &Envelope{
		Kind:      kind,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
}

// NewConnectionStatus builds the welcome envelope directed at a freshly
// admitted client.
func NewConnectionStatus(clientID, message string) *Envelope {
	e := newEnvelope(KindConnectionStatus)
	e.ClientID = clientID
	e.Payload = ConnectionStatusPayload{Status: "connected", Message: message}
	return e
}

func NewJobRequestAck(clientID, sessionID, status string) *Envelope {
	e := newEnvelope(KindJobRequestAck)
	e.ClientID = clientID
	e.SessionID = sessionID
	e.Payload = JobRequestAckPayload{SessionID: sessionID, Status: status}
	return e
}

func NewJobProgress(sessionID, status string, percent int, stage string) *Envelope {
	e := newEnvelope(KindJobProgress)
	e.SessionID = sessionID
	e.Payload = JobProgressPayload{Status: status, ProgressPercent: percent, StageLabel: stage}
	return e
}

func NewJobCompleted(sessionID string, result json.RawMessage) *Envelope {
	e := newEnvelope(KindJobCompleted)
	e.SessionID = sessionID
	e.Payload = JobCompletedPayload{Result: result}
	return e
}

func NewJobFailed(sessionID, errorKind, errorMessage string) *Envelope {
	e := newEnvelope(KindJobFailed)
	e.SessionID = sessionID
	e.Payload = JobFailedPayload{ErrorKind: errorKind, ErrorMessage: errorMessage}
	return e
}

func NewSystemStatus(p SystemStatusPayload) *Envelope {
	e := newEnvelope(KindSystemStatus)
	e.Payload = p
	return e
}

func NewClientJoined(clientID string) *Envelope {
	e := newEnvelope(KindClientJoined)
	e.Payload = PresencePayload{ClientID: clientID}
	return e
}

func NewClientLeft(clientID string) *Envelope {
	e := newEnvelope(KindClientLeft)
	e.Payload = PresencePayload{ClientID: clientID}
	return e
}

// Directed returns a copy of the envelope addressed to a single recipient.
// The copy shares the payload, which is never mutated after construction.
func (e *Envelope) Directed(clientID string) *Envelope {
	cp := *e
	cp.ClientID = clientID
	return &cp
}

// Validate checks that the payload type matches the kind. The switch is
// exhaustive over the closed kind set.
func (e *Envelope) Validate() error {
	var ok bool
	switch e.Kind {
	case KindJobRequestAck:
		_, ok = e.Payload.(JobRequestAckPayload)
	case KindJobProgress:
		_, ok = e.Payload.(JobProgressPayload)
	case KindJobCompleted:
		_, ok = e.Payload.(JobCompletedPayload)
	case KindJobFailed:
		_, ok = e.Payload.(JobFailedPayload)
	case KindConnectionStatus:
		_, ok = e.Payload.(ConnectionStatusPayload)
	case KindSystemStatus:
		_, ok = e.Payload.(SystemStatusPayload)
	case KindClientJoined, KindClientLeft:
		_, ok = e.Payload.(PresencePayload)
	default:
		return fmt.Errorf("unknown envelope kind %d", int(e.Kind))
	}
	if !ok {
		return fmt.Errorf("envelope kind %s carries payload %T", e.Kind, e.Payload)
	}
	return nil
}
