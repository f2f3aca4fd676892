// Package store — in-memory Store implementation.
// Used for local development and tests. Supports file-based snapshot
// persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solacehealth/solace/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Conversations map[string]*models.Conversation   `json:"conversations"`
	Messages      map[string][]*models.Message      `json:"messages"` // key: conversation id
	Analyses      map[string]*models.AnalysisRecord `json:"analyses"` // key: conversation id
	Usage         map[string]*models.UsageCounter   `json:"usage"`    // key: user id
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // key: conversation id, ordered oldest first
	analyses      map[string]*models.AnalysisRecord
	usage         map[string]*models.UsageCounter

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals the save goroutine to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates an in-memory store. If dataDir is non-empty,
// data is persisted to a JSON snapshot in that directory.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		analyses:      make(map[string]*models.AnalysisRecord),
		usage:         make(map[string]*models.UsageCounter),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(dataDir, "data.json")
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.saveCh:
			// Debounce: wait briefly for more writes to coalesce.
			time.Sleep(200 * time.Millisecond)
			m.saveSnapshot()
		case <-m.doneCh:
			return
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	snap := snapshot{
		Conversations: m.conversations,
		Messages:      m.messages,
		Analyses:      m.analyses,
		Usage:         m.usage,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Warn().Err(err).Msg("Failed to write snapshot")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Warn().Err(err).Msg("Failed to replace snapshot")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Failed to read snapshot")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Msg("Corrupt snapshot, starting empty")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Conversations != nil {
		m.conversations = snap.Conversations
	}
	if snap.Messages != nil {
		m.messages = snap.Messages
	}
	if snap.Analyses != nil {
		m.analyses = snap.Analyses
	}
	if snap.Usage != nil {
		m.usage = snap.Usage
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close flushes a final snapshot and stops the save goroutine.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		if m.snapshotPath != "" {
			close(m.doneCh)
			m.saveSnapshot()
		}
	})
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Conversations ───────────────────────────────────────────

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	copied := *conv
	return &copied, nil
}

func (m *MemoryStore) ListConversations(_ context.Context, userID string, limit int) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Conversation
	for _, conv := range m.conversations {
		if conv.UserID == userID {
			result = append(result, *conv)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	copied := *conv
	m.conversations[conv.ID] = &copied
	m.mu.Unlock()

	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	if _, ok := m.conversations[conv.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "conversation", Key: conv.ID}
	}
	copied := *conv
	m.conversations[conv.ID] = &copied
	m.mu.Unlock()

	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.conversations[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "conversation", Key: id}
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	delete(m.analyses, id)
	m.mu.Unlock()

	m.requestSave()
	return nil
}

func (m *MemoryStore) ListStaleConversations(_ context.Context, updatedBefore time.Time, limit int) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Conversation
	for _, conv := range m.conversations {
		if conv.UpdatedAt.Before(updatedBefore) {
			result = append(result, *conv)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Messages ────────────────────────────────────────────────

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "conversation", Key: msg.ConversationID}
	}
	copied := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &copied)
	conv.MessageCount++
	conv.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.requestSave()
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	result := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, *msg)
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// ── Analysis ────────────────────────────────────────────────

func (m *MemoryStore) GetAnalysis(_ context.Context, conversationID string) (*models.AnalysisRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.analyses[conversationID]
	if !ok {
		return nil, &ErrNotFound{Entity: "analysis", Key: conversationID}
	}
	copied := *record
	return &copied, nil
}

func (m *MemoryStore) UpsertAnalysis(_ context.Context, record *models.AnalysisRecord) error {
	m.mu.Lock()
	copied := *record
	m.analyses[record.ConversationID] = &copied
	m.mu.Unlock()

	m.requestSave()
	return nil
}

// ── Usage ───────────────────────────────────────────────────

// GetUsage reports the live counter. An expired period reads as a fresh
// zero counter; the stored row is only rewritten by the next increment.
func (m *MemoryStore) GetUsage(_ context.Context, userID string) (*models.UsageCounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	counter, ok := m.usage[userID]
	if !ok || !now.Before(counter.PeriodEnd) {
		return &models.UsageCounter{UserID: userID, PeriodStart: now, Count: 0}, nil
	}
	copied := *counter
	return &copied, nil
}

// CheckAndIncrementUsage performs the check and the increment under one
// lock acquisition, which is what makes it atomic for this store.
func (m *MemoryStore) CheckAndIncrementUsage(_ context.Context, userID string, limit int, period time.Duration) (*models.UsageCounter, bool, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	counter, ok := m.usage[userID]
	if !ok || !now.Before(counter.PeriodEnd) {
		counter = &models.UsageCounter{
			UserID:      userID,
			PeriodStart: now,
			PeriodEnd:   now.Add(period),
			Count:       0,
		}
		m.usage[userID] = counter
	}

	allowed := counter.Count < limit
	if allowed {
		counter.Count++
	}
	copied := *counter
	m.mu.Unlock()

	m.requestSave()
	return &copied, allowed, nil
}
