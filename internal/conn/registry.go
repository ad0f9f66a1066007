// Package conn owns the set of live client connections. The registry map is
// private; other components interact through the operations below and
// observe effects only via emitted envelopes and membership changes.
package conn

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jobcast/internal/event"
)

var (
	// ErrDuplicateClient is returned by Admit when the client id is already
	// admitted. The caller must Remove the old connection first.
	ErrDuplicateClient = errors.New("client id already admitted")

	// ErrNotConnected is returned by Send when the client is absent or its
	// transport is no longer open.
	ErrNotConnected = errors.New("client not connected")
)

// Announcer delivers envelopes on the registry's behalf. The broadcaster
// implements it; the indirection keeps this package free of a dependency on
// the fan-out layer.
type Announcer interface {
	SendTo(clientID string, env *event.Envelope)
	BroadcastExcept(clientID string, env *event.Envelope)
	BroadcastAll(env *event.Envelope)
}

// Purger removes a departing client from every session subscriber set.
// Registry.Remove is the single choke point that invokes it, so no other
// path can leave a dangling subscription.
type Purger interface {
	DropClient(clientID string)
}

type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	announcer Announcer
	purger    Purger
	log       zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		log:   log.With().Str("component", "conn").Logger(),
	}
}

// SetHooks wires the announcer and purger. Must be called before the first
// Admit; both may be nil in tests that don't exercise emission.
func (r *Registry) SetHooks(announcer Announcer, purger Purger) {
	r.announcer = announcer
	r.purger = purger
}

// Admit registers a new client connection and takes ownership of its
// transport. On success the client receives a connection_status welcome and
// everyone else a client_joined envelope.
func (r *Registry) Admit(clientID string, transport Transport) (*Connection, error) {
	now := time.Now()
	c := &Connection{
		clientID:       clientID,
		transport:      transport,
		state:          StateConnecting,
		connectedAt:    now,
		lastActivityAt: now,
		subscribed:     make(map[string]struct{}),
	}

	r.mu.Lock()
	if _, exists := r.conns[clientID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateClient
	}
	c.state = StateConnected
	r.conns[clientID] = c
	total := len(r.conns)
	r.mu.Unlock()

	r.log.Info().Str("client", clientID).Int("total", total).Msg("client admitted")

	if r.announcer != nil {
		r.announcer.SendTo(clientID, event.NewConnectionStatus(clientID, "connected to jobcast"))
		r.announcer.BroadcastExcept(clientID, event.NewClientJoined(clientID))
	}
	return c, nil
}

// Remove evicts a client. Removing an absent id is a no-op. The transport is
// closed, the client is purged from every session subscriber set, and the
// remaining connections receive a client_left envelope.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	c, ok := r.conns[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.state = StateClosing
	delete(r.conns, clientID)
	total := len(r.conns)
	r.mu.Unlock()

	if c.transport.IsOpen() {
		if err := c.transport.Close(); err != nil {
			r.log.Debug().Err(err).Str("client", clientID).Msg("transport close")
		}
	}

	r.mu.Lock()
	c.state = StateClosed
	r.mu.Unlock()

	r.log.Info().Str("client", clientID).Int("total", total).Msg("client removed")

	if r.purger != nil {
		r.purger.DropClient(clientID)
	}
	if r.announcer != nil {
		r.announcer.BroadcastAll(event.NewClientLeft(clientID))
	}
}

// Touch records activity for a client. Called on every successful send and
// every received frame.
func (r *Registry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[clientID]; ok {
		c.lastActivityAt = time.Now()
	}
}

// IsAlive reports whether the client is admitted, connected, and its
// transport still reports open.
func (r *Registry) IsAlive(clientID string) bool {
	r.mu.RLock()
	c, ok := r.conns[clientID]
	r.mu.RUnlock()
	return ok && c.state == StateConnected && c.transport.IsOpen()
}

// Send delivers raw bytes to one client and touches it on success. Returns
// ErrNotConnected for absent or dead clients so callers can treat that as a
// quiet no-op.
func (r *Registry) Send(clientID string, data []byte) error {
	r.mu.RLock()
	c, ok := r.conns[clientID]
	r.mu.RUnlock()
	if !ok || c.state != StateConnected || !c.transport.IsOpen() {
		return ErrNotConnected
	}
	if err := c.transport.Send(data); err != nil {
		return err
	}
	r.Touch(clientID)
	return nil
}

// MarkSubscribed records the session on the connection's back-reference set.
// Ownership stays with the session registry; this is bookkeeping only.
func (r *Registry) MarkSubscribed(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[clientID]; ok {
		c.subscribed[sessionID] = struct{}{}
	}
}

func (r *Registry) MarkUnsubscribed(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[clientID]; ok {
		delete(c.subscribed, sessionID)
	}
}

// ClientIDs returns the ids of all admitted connections.
func (r *Registry) ClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Stale returns the ids of connections whose last activity is older than
// threshold. The reaper combines this with IsAlive before evicting.
func (r *Registry) Stale(threshold time.Duration) []string {
	cutoff := time.Now().Add(-threshold)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, c := range r.conns {
		if c.lastActivityAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshots returns read-only copies of every connection for the HTTP API.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Snapshot, 0, len(r.conns))
	for _, c := range r.conns {
		result = append(result, c.snapshot())
	}
	return result
}

// CloseAll closes every transport and clears the registry. Used at shutdown;
// no client_left envelopes are emitted since all peers are going away.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		c.state = StateClosed
		_ = c.transport.Close()
	}
}
