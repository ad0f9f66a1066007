package session

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is the job session state machine: Pending -> Processing ->
// {Completed | Failed}. Terminal states never transition again.
type Status int

const (
	Pending Status = iota
	Processing
	Completed
	Failed
)

var statusNames = map[Status]string{
	Pending:    "pending",
	Processing: "processing",
	Completed:  "completed",
	Failed:     "failed",
}

var statusFromName = map[string]Status{
	"pending":    Pending,
	"processing": Processing,
	"completed":  Completed,
	"failed":     Failed,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed
}

// Session is one tracked unit of asynchronous work. Status, progress, and
// result fields are guarded by the registry lock and mutated only by the
// session's own runner goroutine. The subscriber set is a separately
// synchronized field so Subscribe/Unsubscribe never contend with the runner.
type Session struct {
	id              string
	requestPayload  json.RawMessage
	status          Status
	progressPercent int
	stageLabel      string
	createdAt       time.Time
	startedAt       *time.Time
	finishedAt      *time.Time
	result          json.RawMessage
	errorKind       string
	errorMessage    string

	subMu       sync.Mutex
	subscribers map[string]struct{} // client ids; identity association, not ownership

	// emitMu serializes envelope emission with subscriber additions. A late
	// subscriber's snapshot must reach it before any envelope fanned out to
	// the grown set, and a terminal envelope fanned out after the addition
	// must include the newcomer.
	emitMu sync.Mutex
}

func (s *Session) addSubscriber(clientID string) {
	s.subMu.Lock()
	s.subscribers[clientID] = struct{}{}
	s.subMu.Unlock()
}

func (s *Session) removeSubscriber(clientID string) {
	s.subMu.Lock()
	delete(s.subscribers, clientID)
	s.subMu.Unlock()
}

func (s *Session) subscriberIDs() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ids := make([]string, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot is a read-only copy of a session's observable state. Callers can
// never reach the live object through it.
type Snapshot struct {
	SessionID       string          `json:"session_id"`
	Status          Status          `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	StageLabel      string          `json:"stage_label"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Subscribers     []string        `json:"subscribers,omitempty"`
}

// snapshotLocked copies the session. The caller holds the registry lock for
// the status fields; the subscriber set is read under its own lock.
func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:       s.id,
		Status:          s.status,
		ProgressPercent: s.progressPercent,
		StageLabel:      s.stageLabel,
		CreatedAt:       s.createdAt,
		ErrorKind:       s.errorKind,
		ErrorMessage:    s.errorMessage,
		Subscribers:     s.subscriberIDs(),
	}
	if s.startedAt != nil {
		t := *s.startedAt
		snap.StartedAt = &t
	}
	if s.finishedAt != nil {
		t := *s.finishedAt
		snap.FinishedAt = &t
	}
	if len(s.result) > 0 {
		snap.Result = append(json.RawMessage(nil), s.result...)
	}
	return snap
}
