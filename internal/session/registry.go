// Package session owns the set of in-flight and recently finished jobs.
// Each session has its own subscriber set and a single runner goroutine
// that drives it through the status state machine.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jobcast/internal/event"
)

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	executor Executor
	emitter  Emitter
	log      zerolog.Logger

	runCtx context.Context // observed by runners at suspension points
	wg     sync.WaitGroup
}

func NewRegistry(executor Executor, log zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		executor: executor,
		log:      log.With().Str("component", "session").Logger(),
		runCtx:   context.Background(),
	}
}

// SetEmitter wires the fan-out layer. Must be called before the first
// CreateSession.
func (r *Registry) SetEmitter(e Emitter) {
	r.emitter = e
}

// Start records the shutdown context handed to every runner. Sessions
// created before Start use context.Background().
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()
}

// Wait blocks until all runner goroutines have finished. Called at shutdown
// after the run context is cancelled.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// CreateSession allocates a Pending session with the requester as its first
// subscriber, acks the request, and starts the session's runner.
func (r *Registry) CreateSession(requestedBy string, payload json.RawMessage) (string, error) {
	if err := r.executor.Validate(payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	s := &Session{
		id:             uuid.NewString(),
		requestPayload: append(json.RawMessage(nil), payload...),
		status:         Pending,
		createdAt:      time.Now(),
		subscribers:    map[string]struct{}{requestedBy: {}},
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	ctx := r.runCtx
	r.mu.Unlock()

	r.log.Info().Str("session", s.id).Str("client", requestedBy).Msg("session created")

	if r.emitter != nil {
		r.emitter.SendTo(requestedBy, event.NewJobRequestAck(requestedBy, s.id, Pending.String()))
	}

	r.wg.Add(1)
	go r.run(ctx, s)

	return s.id, nil
}

// Subscribe adds the client to the session's subscriber set and immediately
// sends it a job_progress envelope reflecting current status, so late
// subscribers are never left without state.
//
// The snapshot and the addition happen under the session's emit lock: the
// runner cannot fan anything out to the grown set until the snapshot has
// been delivered, so the new subscriber never observes a progress value
// below its snapshot.
func (r *Registry) Subscribe(sessionID, clientID string) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	r.mu.RLock()
	snap := s.snapshotLocked()
	s.addSubscriber(clientID)
	r.mu.RUnlock()

	if r.emitter != nil {
		env := event.NewJobProgress(sessionID, snap.Status.String(), snap.ProgressPercent, snap.StageLabel)
		r.emitter.SendTo(clientID, env.Directed(clientID))
	}
	return nil
}

// Unsubscribe removes the client from the subscriber set. Absent session or
// client is a no-op.
func (r *Registry) Unsubscribe(sessionID, clientID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.removeSubscriber(clientID)
}

// DropClient removes the client from every session's subscriber set. Only
// conn.Registry.Remove calls this; it is the single cleanup path for a
// departing client.
func (r *Registry) DropClient(clientID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.removeSubscriber(clientID)
	}
}

// Subscribers returns a snapshot of the session's subscriber ids.
func (r *Registry) Subscribers(sessionID string) []string {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.subscriberIDs()
}

// GetStatus returns a read-only copy of the session, never the live object.
func (r *Registry) GetStatus(sessionID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshotLocked(), true
}

// Snapshots returns copies of every session for the HTTP API.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s.snapshotLocked())
	}
	return result
}

// Sweep removes terminal sessions whose finished_at is older than retention.
// Pending and Processing sessions are never removed regardless of age: a
// stuck job is a liveness bug to surface, not hide. Returns the removed ids.
func (r *Registry) Sweep(retention time.Duration) []string {
	cutoff := time.Now().Add(-retention)

	r.mu.Lock()
	var removed []string
	for id, s := range r.sessions {
		if !s.status.IsTerminal() {
			continue
		}
		if s.finishedAt != nil && s.finishedAt.Before(cutoff) {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.log.Info().Str("session", id).Msg("session swept")
	}
	return removed
}

// ActiveCount reports non-terminal sessions, used by the heartbeat.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if !s.status.IsTerminal() {
			count++
		}
	}
	return count
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
