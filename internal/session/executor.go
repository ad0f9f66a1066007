package session

import (
	"context"
	"encoding/json"

	"jobcast/internal/event"
)

// ProgressFunc reports executor progress. Percent is clamped to [0,100] by
// the runner; regressions below the last reported value are dropped.
type ProgressFunc func(percent int, stage string)

// Executor computes the actual result behind a job. It is supplied by the
// surrounding application; this layer only needs this shape.
//
// Run blocks until the job finishes, calling onProgress as it goes. The
// context is cancelled on system shutdown; a cancelled run should return
// ctx.Err(). Any returned error is terminal for the session; retrying is a
// caller decision expressed as a new CreateSession.
type Executor interface {
	Validate(payload json.RawMessage) error
	Run(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error)
}

// Emitter delivers envelopes for the registry and its runners. The
// broadcaster implements it.
type Emitter interface {
	SendTo(clientID string, env *event.Envelope)
	SendToSessionSubscribers(sessionID string, env *event.Envelope)
}
