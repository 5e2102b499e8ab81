package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseGone means the lease expired or was already completed.
	ErrLeaseGone = errors.New("lease no longer held")
	// ErrQueueUnavailable wraps failures to reach the queue backend.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrHardTimeout is reported when a visit exceeds its hard timeout.
	ErrHardTimeout = errors.New("visit exceeded hard timeout")
	// ErrEngineClosed is returned by engines after Close.
	ErrEngineClosed = errors.New("engine closed")
)

// MalformedJobError reports a queue payload that is not "<rank>,<target>".
type MalformedJobError struct {
	Payload string
	Reason  string
}

func (e *MalformedJobError) Error() string {
	return fmt.Sprintf("malformed job %q: %s", e.Payload, e.Reason)
}

// EngineCrashError wraps a panic raised inside an engine.
type EngineCrashError struct {
	Value any
}

func (e *EngineCrashError) Error() string {
	return fmt.Sprintf("engine crashed: %v", e.Value)
}

// IsMalformed reports whether err is a MalformedJobError.
func IsMalformed(err error) bool {
	var malformed *MalformedJobError
	return errors.As(err, &malformed)
}
