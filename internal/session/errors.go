package session

import "errors"

var (
	// ErrSessionNotFound is returned when the session does not exist or has
	// already been swept.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidRequest is returned by CreateSession when the request payload
	// fails the executor's input contract.
	ErrInvalidRequest = errors.New("invalid job request")
)

// Error kinds carried in job_failed payloads. Payloads carry kind + message
// only; internal stack state never crosses the wire.
const (
	ErrorKindExecutor = "ExecutorError"
	ErrorKindInternal = "InternalFault"
)
