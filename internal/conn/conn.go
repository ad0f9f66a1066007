package conn

import (
	"encoding/json"
	"time"
)

// Transport is the send/close capability handed over at admission. A
// Connection owns its transport exclusively; nothing else may hold it.
type Transport interface {
	Send(data []byte) error
	Close() error
	IsOpen() bool
}

// State tracks the lifecycle of a single client connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting: "connecting",
	StateConnected:  "connected",
	StateClosing:    "closing",
	StateClosed:     "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Connection represents one live client. All fields are guarded by the
// owning Registry's lock; reads from outside go through Snapshot.
type Connection struct {
	clientID       string
	transport      Transport
	state          State
	connectedAt    time.Time
	lastActivityAt time.Time
	subscribed     map[string]struct{} // session ids this client watches; back-reference only
}

func (c *Connection) ClientID() string { return c.clientID }

// Snapshot is the read-only view of a Connection served over the API.
type Snapshot struct {
	ClientID           string    `json:"client_id"`
	State              State     `json:"state"`
	ConnectedAt        time.Time `json:"connected_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	SubscribedSessions []string  `json:"subscribed_sessions,omitempty"`
}

func (c *Connection) snapshot() Snapshot {
	snap := Snapshot{
		ClientID:       c.clientID,
		State:          c.state,
		ConnectedAt:    c.connectedAt,
		LastActivityAt: c.lastActivityAt,
	}
	for id := range c.subscribed {
		snap.SubscribedSessions = append(snap.SubscribedSessions, id)
	}
	return snap
}
