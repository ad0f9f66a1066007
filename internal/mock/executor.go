// Package mock provides a simulated job executor for demos and tests: it
// walks a configurable number of steps, reporting progress through named
// stages, and can be told to fail partway through.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jobcast/internal/session"
)

var stages = []string{"fetching", "crunching", "rendering", "finalizing"}

// Request is the payload shape the mock executor accepts.
type Request struct {
	Name   string `json:"name"`
	Steps  int    `json:"steps,omitempty"`   // default 10
	FailAt int    `json:"fail_at,omitempty"` // percent at which to fail; 0 = never
}

type result struct {
	Name      string `json:"name"`
	Steps     int    `json:"steps"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type Executor struct {
	// StepDelay is the simulated work per step.
	StepDelay time.Duration
}

func NewExecutor(stepDelay time.Duration) *Executor {
	return &Executor{StepDelay: stepDelay}
}

func (e *Executor) Validate(payload json.RawMessage) error {
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	if req.Steps < 0 {
		return errors.New("steps must be non-negative")
	}
	if req.FailAt < 0 || req.FailAt > 100 {
		return errors.New("fail_at must be within [0,100]")
	}
	return nil
}

func (e *Executor) Run(ctx context.Context, payload json.RawMessage, onProgress session.ProgressFunc) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if req.Steps == 0 {
		req.Steps = 10
	}

	start := time.Now()
	for i := 1; i <= req.Steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.StepDelay):
		}

		percent := i * 100 / req.Steps
		if req.FailAt > 0 && percent >= req.FailAt {
			return nil, fmt.Errorf("simulated failure at %d%%", percent)
		}
		onProgress(percent, stages[(i-1)*len(stages)/req.Steps])
	}

	out, err := json.Marshal(result{
		Name:      req.Name,
		Steps:     req.Steps,
		ElapsedMS: time.Since(start).Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
