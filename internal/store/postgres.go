// Package store — PostgreSQL Store implementation backed by pgx.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/solacehealth/solace/pkg/models"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			message_count   INT NOT NULL DEFAULT 0,
			crisis_detected BOOLEAN NOT NULL DEFAULT FALSE,
			risk_level      TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			risk_level      TEXT NOT NULL DEFAULT '',
			substituted     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS analyses (
			conversation_id TEXT PRIMARY KEY REFERENCES conversations (id) ON DELETE CASCADE,
			emotional_state JSONB NOT NULL DEFAULT '{}',
			biases          JSONB NOT NULL DEFAULT '[]',
			insights        JSONB NOT NULL DEFAULT '[]',
			patterns        JSONB NOT NULL DEFAULT '[]',
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS usage_counters (
			user_id      TEXT PRIMARY KEY,
			period_start TIMESTAMPTZ NOT NULL,
			period_end   TIMESTAMPTZ NOT NULL,
			count        INT NOT NULL DEFAULT 0
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// ── Conversations ───────────────────────────────────────────

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, message_count, crisis_detected, risk_level, created_at, updated_at
		FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.MessageCount, &conv.CrisisDetected,
			&conv.RiskLevel, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, message_count, crisis_detected, risk_level, created_at, updated_at
		FROM conversations WHERE user_id = $1
		ORDER BY updated_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.MessageCount,
			&conv.CrisisDetected, &conv.RiskLevel, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, message_count, crisis_detected, risk_level, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		conv.ID, conv.UserID, conv.Title, conv.MessageCount, conv.CrisisDetected,
		conv.RiskLevel, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET title = $2, crisis_detected = $3, risk_level = $4, updated_at = $5
		WHERE id = $1`,
		conv.ID, conv.Title, conv.CrisisDetected, conv.RiskLevel, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "conversation", Key: conv.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "conversation", Key: id}
	}
	return nil
}

func (s *PostgresStore) ListStaleConversations(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, message_count, crisis_detected, risk_level, created_at, updated_at
		FROM conversations WHERE updated_at < $1
		ORDER BY updated_at LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale conversations: %w", err)
	}
	defer rows.Close()

	var result []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.MessageCount,
			&conv.CrisisDetected, &conv.RiskLevel, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

// ── Messages ────────────────────────────────────────────────

// AppendMessage stores the message and bumps the conversation counters
// in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append message: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, risk_level, substituted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.RiskLevel, msg.Substituted, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: insert: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE conversations SET message_count = message_count + 1, updated_at = NOW()
		WHERE id = $1`, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("append message: bump conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "conversation", Key: msg.ConversationID}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, risk_level, substituted, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at`
	args := []any{conversationID}
	if limit > 0 {
		// Keep the newest N but return them oldest-first.
		query = `
			SELECT id, conversation_id, role, content, risk_level, substituted, created_at
			FROM (
				SELECT id, conversation_id, role, content, risk_level, substituted, created_at
				FROM messages WHERE conversation_id = $1
				ORDER BY created_at DESC LIMIT $2
			) newest
			ORDER BY created_at`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&msg.RiskLevel, &msg.Substituted, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// ── Analysis ────────────────────────────────────────────────

func (s *PostgresStore) GetAnalysis(ctx context.Context, conversationID string) (*models.AnalysisRecord, error) {
	record := models.AnalysisRecord{ConversationID: conversationID}
	err := s.pool.QueryRow(ctx, `
		SELECT emotional_state, biases, insights, patterns, updated_at
		FROM analyses WHERE conversation_id = $1`, conversationID).
		Scan(&record.EmotionalState, &record.Biases, &record.Insights, &record.Patterns, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "analysis", Key: conversationID}
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return &record, nil
}

func (s *PostgresStore) UpsertAnalysis(ctx context.Context, record *models.AnalysisRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analyses (conversation_id, emotional_state, biases, insights, patterns, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id) DO UPDATE SET
			emotional_state = EXCLUDED.emotional_state,
			biases          = EXCLUDED.biases,
			insights        = EXCLUDED.insights,
			patterns        = EXCLUDED.patterns,
			updated_at      = EXCLUDED.updated_at`,
		record.ConversationID, record.EmotionalState, record.Biases,
		record.Insights, record.Patterns, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert analysis: %w", err)
	}
	return nil
}

// ── Usage ───────────────────────────────────────────────────

// GetUsage reports the live counter. An expired period reads as a fresh
// zero counter; the stored row is only rewritten by the next increment.
func (s *PostgresStore) GetUsage(ctx context.Context, userID string) (*models.UsageCounter, error) {
	counter := models.UsageCounter{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT period_start, period_end, count
		FROM usage_counters WHERE user_id = $1`, userID).
		Scan(&counter.PeriodStart, &counter.PeriodEnd, &counter.Count)
	now := time.Now().UTC()
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.UsageCounter{UserID: userID, PeriodStart: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	if !now.Before(counter.PeriodEnd) {
		return &models.UsageCounter{UserID: userID, PeriodStart: now}, nil
	}
	return &counter, nil
}

// CheckAndIncrementUsage never does read-compare-write in application
// code. The increment is a conditional UPDATE that only succeeds while
// the row is genuinely under the limit and inside its period; the period
// reset is an upsert guarded by the same expiry predicate. Each
// statement is atomic, so two concurrent requests near the limit can
// never both observe "under limit".
func (s *PostgresStore) CheckAndIncrementUsage(ctx context.Context, userID string, limit int, period time.Duration) (*models.UsageCounter, bool, error) {
	now := time.Now().UTC()

	increment := func() (*models.UsageCounter, bool, error) {
		counter := models.UsageCounter{UserID: userID}
		err := s.pool.QueryRow(ctx, `
			UPDATE usage_counters SET count = count + 1
			WHERE user_id = $1 AND period_end > $2 AND count < $3
			RETURNING period_start, period_end, count`,
			userID, now, limit).
			Scan(&counter.PeriodStart, &counter.PeriodEnd, &counter.Count)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("increment usage: %w", err)
		}
		return &counter, true, nil
	}

	if counter, ok, err := increment(); err != nil || ok {
		return counter, ok, err
	}

	// No live row accepted the increment: either the period expired (or
	// the row is missing) and must be reset, or the user is at the
	// limit. The reset is guarded so it cannot clobber a live period.
	counter := models.UsageCounter{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO usage_counters (user_id, period_start, period_end, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (user_id) DO UPDATE SET
			period_start = EXCLUDED.period_start,
			period_end   = EXCLUDED.period_end,
			count        = 1
		WHERE usage_counters.period_end <= $2
		RETURNING period_start, period_end, count`,
		userID, now, now.Add(period)).
		Scan(&counter.PeriodStart, &counter.PeriodEnd, &counter.Count)
	if err == nil {
		return &counter, limit > 0, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("reset usage: %w", err)
	}

	// A concurrent request reset the period first; one more increment
	// attempt against the fresh row.
	if counter, ok, err := increment(); err != nil || ok {
		return counter, ok, err
	}

	current, err := s.GetUsage(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}
