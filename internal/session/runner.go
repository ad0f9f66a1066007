package session

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"jobcast/internal/event"
)

// run drives one session from Pending to a terminal state. It is the only
// goroutine that mutates the session's status and progress fields, which is
// what guarantees per-session envelope ordering.
//
// A fault that is not an executor-reported error (a panic in the executor or
// in the runner itself) still drives the session to Failed; a Processing
// session must never be left stuck.
func (r *Registry) run(ctx context.Context, s *Session) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("session", s.id).
				Any("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("runner fault")
			r.fail(s, ErrorKindInternal, fmt.Sprintf("internal fault: %v", rec))
		}
	}()

	r.setProcessing(s)
	r.emitProgress(s, 0, "initializing")

	result, err := r.executor.Run(ctx, s.requestPayload, func(percent int, stage string) {
		if accepted, pct := r.advance(s, percent, stage); accepted {
			r.emitProgress(s, pct, stage)
		}
	})
	if err != nil {
		r.fail(s, ErrorKindExecutor, err.Error())
		return
	}
	r.complete(s, result)
}

func (r *Registry) setProcessing(s *Session) {
	now := time.Now()
	r.mu.Lock()
	s.status = Processing
	s.startedAt = &now
	s.progressPercent = 0
	s.stageLabel = "initializing"
	r.mu.Unlock()
}

// advance applies a progress callback: clamp to [0,100], reject regressions,
// ignore reports once the session is no longer Processing. Returns whether
// the update was accepted and the clamped percent.
func (r *Registry) advance(s *Session, percent int, stage string) (bool, int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.status != Processing {
		return false, 0
	}
	if percent < s.progressPercent {
		return false, 0
	}
	s.progressPercent = percent
	s.stageLabel = stage
	return true, percent
}

// complete transitions Processing -> Completed and emits the single terminal
// job_completed envelope. A session already terminal is left untouched.
func (r *Registry) complete(s *Session, result json.RawMessage) {
	now := time.Now()
	r.mu.Lock()
	if s.status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	s.status = Completed
	s.progressPercent = 100
	s.finishedAt = &now
	s.result = append(json.RawMessage(nil), result...)
	r.mu.Unlock()

	r.log.Info().Str("session", s.id).Msg("session completed")
	if r.emitter != nil {
		s.emitMu.Lock()
		r.emitter.SendToSessionSubscribers(s.id, event.NewJobCompleted(s.id, result))
		s.emitMu.Unlock()
	}
}

// fail transitions to Failed and emits the single terminal job_failed
// envelope. Idempotent: a session already terminal is left untouched, so a
// panic after a normal completion cannot produce a second terminal signal.
func (r *Registry) fail(s *Session, errorKind, errorMessage string) {
	now := time.Now()
	r.mu.Lock()
	if s.status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	s.status = Failed
	s.finishedAt = &now
	s.errorKind = errorKind
	s.errorMessage = errorMessage
	r.mu.Unlock()

	r.log.Warn().
		Str("session", s.id).
		Str("error_kind", errorKind).
		Str("error", errorMessage).
		Msg("session failed")
	if r.emitter != nil {
		s.emitMu.Lock()
		r.emitter.SendToSessionSubscribers(s.id, event.NewJobFailed(s.id, errorKind, errorMessage))
		s.emitMu.Unlock()
	}
}

// emitProgress fans out one progress envelope under the session's emit
// lock, never while holding the registry lock: the fan-out reads the
// subscriber set back through the registry.
func (r *Registry) emitProgress(s *Session, percent int, stage string) {
	if r.emitter == nil {
		return
	}
	s.emitMu.Lock()
	r.emitter.SendToSessionSubscribers(s.id, event.NewJobProgress(s.id, Processing.String(), percent, stage))
	s.emitMu.Unlock()
}
