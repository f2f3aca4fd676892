package orchestrator

import (
	"fmt"
	"time"
)

// The orchestrator's error taxonomy. These are expected outcomes the
// HTTP layer pattern-matches on, not panics: classification failures
// never surface here at all (they fail open inside the safety package),
// and unsafe-output outcomes are handled by substitution, which always
// succeeds because the substituted scripts are static and local.

// ErrEmptyMessage is a user-facing validation error.
type ErrEmptyMessage struct{}

func (e *ErrEmptyMessage) Error() string { return "message text must not be empty" }

// ErrConversationNotFound covers both a missing conversation and one
// owned by a different user; callers get the same answer either way so
// conversation ids can't be probed.
type ErrConversationNotFound struct {
	ConversationID string
}

func (e *ErrConversationNotFound) Error() string {
	return "conversation not found: " + e.ConversationID
}

// ErrUsageLimitExceeded is returned before any generation is attempted.
type ErrUsageLimitExceeded struct {
	Limit   int
	ResetAt time.Time
}

func (e *ErrUsageLimitExceeded) Error() string {
	return fmt.Sprintf("usage limit of %d messages reached, resets at %s",
		e.Limit, e.ResetAt.Format(time.RFC3339))
}

// ErrGenerationUnavailable is the retryable service error surfaced when
// the external generation call fails. A generic apology message has
// already been persisted by the time the caller sees this.
type ErrGenerationUnavailable struct {
	Err error
}

func (e *ErrGenerationUnavailable) Error() string {
	return "generation service unavailable: " + e.Err.Error()
}

func (e *ErrGenerationUnavailable) Unwrap() error { return e.Err }
