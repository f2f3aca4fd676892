package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/solacehealth/solace/internal/retention"
	"github.com/solacehealth/solace/internal/store"
	"github.com/solacehealth/solace/pkg/models"
)

func seedConversation(t *testing.T, s store.Store, id string, updatedAt time.Time, crisis bool) {
	t.Helper()
	err := s.CreateConversation(context.Background(), &models.Conversation{
		ID:             id,
		UserID:         "u1",
		CrisisDetected: crisis,
		RiskLevel:      models.RiskNone,
		CreatedAt:      updatedAt,
		UpdatedAt:      updatedAt,
	})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
}

func TestRunCycleDeletesOnlyExpired(t *testing.T) {
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()

	seedConversation(t, s, "expired", old, false)
	seedConversation(t, s, "recent", fresh, false)

	j := retention.NewJanitor(s, time.Hour, 24*time.Hour)
	stats, err := j.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if stats.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", stats.Deleted)
	}

	if _, err := s.GetConversation(ctx, "expired"); err == nil {
		t.Errorf("expired conversation survived the sweep")
	}
	if _, err := s.GetConversation(ctx, "recent"); err != nil {
		t.Errorf("recent conversation deleted: %v", err)
	}
}

func TestRunCycleKeepsCrisisConversations(t *testing.T) {
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	seedConversation(t, s, "crisis", old, true)

	j := retention.NewJanitor(s, time.Hour, 24*time.Hour)
	stats, err := j.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if stats.Skipped != 1 || stats.Deleted != 0 {
		t.Errorf("stats = %+v, want the crisis conversation skipped", stats)
	}

	if _, err := s.GetConversation(ctx, "crisis"); err != nil {
		t.Errorf("crisis conversation deleted: %v", err)
	}
}
