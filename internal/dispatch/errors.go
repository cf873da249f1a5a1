package dispatch

import (
	"fmt"
	"time"
)

// ValidationError means the trigger request itself is malformed or names
// something that does not exist. It is raised before any external call, so
// failing requests have zero side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trigger: %s: %s", e.Field, e.Reason)
}

// ModeDisabledError means the requested session mode is switched off for
// this agent or tenant tier. Like validation errors it is raised before
// any side effect.
type ModeDisabledError struct {
	Mode   string
	Reason string
}

func (e *ModeDisabledError) Error() string {
	return fmt.Sprintf("%s mode disabled: %s", e.Mode, e.Reason)
}

// UpstreamError wraps a realtime bridge failure. It is always surfaced
// verbatim with NoFallback set: the platform never degrades a failed
// realtime session into a context-free response path.
type UpstreamError struct {
	Op         string
	Err        error
	NoFallback bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("realtime %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// TimeoutError means the text-mode poll loop exhausted its iteration or
// wall-clock budget without a terminal event.
type TimeoutError struct {
	ConversationID string
	Waited         time.Duration
	Iterations     int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("conversation %s: no terminal event after %s (%d polls)",
		e.ConversationID, e.Waited, e.Iterations)
}
