// Package contracts defines the collaborator interfaces the dialogue core
// depends on. The core orchestration logic is written against these
// interfaces only; concrete HTTP clients and stores are injected at
// construction time in the wiring code (pkg/server), so tests can swap in
// fakes and a hosted deployment can swap in different providers without
// touching the core.
package contracts

import (
	"context"

	"github.com/solacehealth/solace/internal/store"
	"github.com/solacehealth/solace/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed so
// callers composing the server don't need to import internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Generation Service ──────────────────────────────────────

// GenerationService produces the assistant reply for one turn using the
// chosen model tier. Implementations must honor the context deadline and
// return a transient-error signal (wrapped ErrUnavailable) on failures
// the caller may retry.
type GenerationService interface {
	// Generate runs a blocking completion for the given transcript.
	Generate(ctx context.Context, messages []models.ChatMessage, tier models.TierDecision) (*models.GenerationResult, error)

	// GenerateStream runs a streaming completion. If ctx is cancelled
	// mid-stream, the text accumulated so far is returned with
	// Partial=true and a nil error so the caller can still gate and
	// persist it; partial assistant text is never silently dropped.
	GenerateStream(ctx context.Context, messages []models.ChatMessage, tier models.TierDecision, deltas chan<- string) (*models.GenerationResult, error)
}

// ── Moderation Service ──────────────────────────────────────

// ModerationService calls the external content-moderation model. It may
// fail or time out; the fail-open policy lives in the safety package,
// not here, so every failure mode funnels through one place.
type ModerationService interface {
	Moderate(ctx context.Context, text string, kind models.ContentKind) (*models.ModerationResult, error)
}
