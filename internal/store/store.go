// Package store provides the storage interface and implementations for
// the dialogue plane. Handlers and the orchestrator depend only on the
// Store interface, so tests use the in-memory store and production uses
// PostgreSQL.
package store

import (
	"context"
	"time"

	"github.com/solacehealth/solace/pkg/models"
)

// Store is the primary storage interface.
type Store interface {
	ConversationStore
	MessageStore
	AnalysisStore
	UsageStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs schema migrations (no-op for the memory store).
	Migrate(ctx context.Context) error
}

// ── Conversation Store ──────────────────────────────────────

type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	UpdateConversation(ctx context.Context, conv *models.Conversation) error

	// DeleteConversation removes the conversation together with its
	// messages and analysis record.
	DeleteConversation(ctx context.Context, id string) error

	// ListStaleConversations returns conversations (any user) last
	// updated before the cutoff, oldest first, at most limit entries.
	// Used by the retention sweeper.
	ListStaleConversations(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Conversation, error)
}

// ── Message Store ───────────────────────────────────────────

type MessageStore interface {
	// AppendMessage stores a message and bumps the owning
	// conversation's message count and updated-at in the same call.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// ListMessages returns messages ordered by creation time,
	// oldest first. limit <= 0 means no limit.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// ── Analysis Store ──────────────────────────────────────────

type AnalysisStore interface {
	GetAnalysis(ctx context.Context, conversationID string) (*models.AnalysisRecord, error)
	UpsertAnalysis(ctx context.Context, record *models.AnalysisRecord) error
}

// ── Usage Store ─────────────────────────────────────────────

type UsageStore interface {
	// GetUsage returns the current counter for a user; a user with no
	// recorded usage gets a zero counter for the current period.
	GetUsage(ctx context.Context, userID string) (*models.UsageCounter, error)

	// CheckAndIncrementUsage atomically checks the counter against the
	// limit and increments it if under. An expired period is reset
	// before the check. Returns the counter after the operation and
	// whether the request was allowed. When concurrent calls race for
	// the last slot under the limit, exactly one may pass, so
	// implementations use a single conditional update, never
	// read-compare-write in application code.
	CheckAndIncrementUsage(ctx context.Context, userID string, limit int, period time.Duration) (*models.UsageCounter, bool, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
