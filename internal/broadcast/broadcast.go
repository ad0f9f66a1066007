// Package broadcast delivers envelopes to one connection, to a session's
// subscriber set, or to every connection. Per-recipient failures are
// isolated: a failed send never reaches the caller, it converts into an
// eventual removal of that connection.
package broadcast

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"jobcast/internal/conn"
	"jobcast/internal/event"
	"jobcast/internal/history"
	"jobcast/internal/session"
)

type Broadcaster struct {
	conns    *conn.Registry
	sessions *session.Registry
	history  *history.Log // optional
	log      zerolog.Logger

	// Throttles delivery-failure log lines so one flapping client cannot
	// flood the log.
	failLog *rate.Limiter
}

func New(conns *conn.Registry, sessions *session.Registry, hist *history.Log, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		conns:    conns,
		sessions: sessions,
		history:  hist,
		log:      log.With().Str("component", "broadcast").Logger(),
		failLog:  rate.NewLimiter(rate.Limit(1), 5),
	}
}

// SendTo delivers an envelope to a single client. A client that is not
// alive makes this a logged no-op, never an error.
func (b *Broadcaster) SendTo(clientID string, env *event.Envelope) {
	data, ok := b.marshal(env)
	if !ok {
		return
	}
	b.record(env)
	b.deliver(clientID, data, env.Kind)
}

// SendToSessionSubscribers fans an envelope out to the session's current
// subscriber snapshot. Each delivery is independent; one failed recipient
// never blocks the rest.
func (b *Broadcaster) SendToSessionSubscribers(sessionID string, env *event.Envelope) {
	data, ok := b.marshal(env)
	if !ok {
		return
	}
	b.record(env)
	for _, clientID := range b.sessions.Subscribers(sessionID) {
		b.deliver(clientID, data, env.Kind)
	}
}

// BroadcastAll delivers an envelope to every admitted connection with the
// same isolation guarantee as the per-session fan-out.
func (b *Broadcaster) BroadcastAll(env *event.Envelope) {
	b.broadcast(env, "")
}

// BroadcastExcept delivers to every connection but one. Used for presence
// envelopes so a client never hears about its own arrival.
func (b *Broadcaster) BroadcastExcept(excludeClientID string, env *event.Envelope) {
	b.broadcast(env, excludeClientID)
}

func (b *Broadcaster) broadcast(env *event.Envelope, exclude string) {
	data, ok := b.marshal(env)
	if !ok {
		return
	}
	b.record(env)
	for _, clientID := range b.conns.ClientIDs() {
		if clientID == exclude {
			continue
		}
		b.deliver(clientID, data, env.Kind)
	}
}

// deliver sends pre-marshaled bytes to one client. A dead client is a quiet
// no-op; a real send failure (closed socket, full buffer) schedules the
// connection for removal on a separate goroutine so removal's own presence
// broadcast cannot recurse into this call stack.
func (b *Broadcaster) deliver(clientID string, data []byte, kind event.Kind) {
	err := b.conns.Send(clientID, data)
	if err == nil {
		return
	}
	if errors.Is(err, conn.ErrNotConnected) {
		b.log.Debug().Str("client", clientID).Stringer("kind", kind).Msg("skipping dead client")
		return
	}
	if b.failLog.Allow() {
		b.log.Warn().Err(err).Str("client", clientID).Stringer("kind", kind).Msg("delivery failed, evicting client")
	}
	go b.conns.Remove(clientID)
}

func (b *Broadcaster) marshal(env *event.Envelope) ([]byte, bool) {
	if err := env.Validate(); err != nil {
		b.log.Error().Err(err).Msg("refusing malformed envelope")
		return nil, false
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.log.Error().Err(err).Stringer("kind", env.Kind).Msg("envelope marshal")
		return nil, false
	}
	return data, true
}

func (b *Broadcaster) record(env *event.Envelope) {
	if b.history != nil {
		b.history.Record(env)
	}
}
