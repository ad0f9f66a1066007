package event

import "encoding/json"

// Kind classifies an envelope. The set is closed: serialization and payload
// validation switch over every kind, so an unhandled kind is a programming
// error caught by Envelope.Validate rather than silently passed through.
type Kind int

const (
	KindJobRequestAck Kind = iota
	KindJobProgress
	KindJobCompleted
	KindJobFailed
	KindConnectionStatus
	KindSystemStatus
	KindClientJoined
	KindClientLeft
)

var kindNames = map[Kind]string{
	KindJobRequestAck:    "job_request_ack",
	KindJobProgress:      "job_progress",
	KindJobCompleted:     "job_completed",
	KindJobFailed:        "job_failed",
	KindConnectionStatus: "connection_status",
	KindSystemStatus:     "system_status",
	KindClientJoined:     "client_joined",
	KindClientLeft:       "client_left",
}

var kindFromName = map[string]Kind{
	"job_request_ack":   KindJobRequestAck,
	"job_progress":      KindJobProgress,
	"job_completed":     KindJobCompleted,
	"job_failed":        KindJobFailed,
	"connection_status": KindConnectionStatus,
	"system_status":     KindSystemStatus,
	"client_joined":     KindClientJoined,
	"client_left":       KindClientLeft,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := kindFromName[s]; ok {
		*k = v
	}
	return nil
}
