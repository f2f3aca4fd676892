// Package retention implements the data retention policy: conversations
// untouched for longer than the configured window are deleted, together
// with their messages and analysis record, by a background sweeper.
//
// Deletion is the whole point here. Dialogue history in this system is
// sensitive by nature, so expired data is purged rather than archived.
// Conversations where a crisis was detected are exempt from the sweep;
// they are retained until deleted explicitly.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solacehealth/solace/internal/store"
)

// DefaultMaxAge is the retention window applied when none is configured.
const DefaultMaxAge = 365 * 24 * time.Hour

// DefaultBatchSize bounds how many conversations one cycle deletes.
const DefaultBatchSize = 500

// CycleStats reports what a single sweep did.
type CycleStats struct {
	Scanned int
	Deleted int
	Skipped int
	Errors  int
}

// Janitor periodically deletes conversations past the retention window.
type Janitor struct {
	store     store.Store
	interval  time.Duration
	maxAge    time.Duration
	batchSize int
}

// NewJanitor creates a retention janitor sweeping on the given interval.
func NewJanitor(s store.Store, interval, maxAge time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Janitor{
		store:     s,
		interval:  interval,
		maxAge:    maxAge,
		batchSize: DefaultBatchSize,
	}
}

// Start runs the sweep loop until ctx is cancelled. The first sweep
// happens after one interval, not at startup, so a crash-looping server
// doesn't hammer the store.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("max_age", j.maxAge).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			stats, err := j.RunCycle(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Retention cycle failed")
				continue
			}
			if stats.Deleted > 0 || stats.Errors > 0 {
				log.Info().
					Int("scanned", stats.Scanned).
					Int("deleted", stats.Deleted).
					Int("skipped", stats.Skipped).
					Int("errors", stats.Errors).
					Msg("Retention cycle complete")
			}
		}
	}
}

// RunCycle performs one sweep: list stale conversations, delete the
// eligible ones. Individual delete failures are counted and skipped so
// one bad row cannot stall the sweep.
func (j *Janitor) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	cutoff := time.Now().UTC().Add(-j.maxAge)
	stale, err := j.store.ListStaleConversations(ctx, cutoff, j.batchSize)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(stale)

	for _, conv := range stale {
		if conv.CrisisDetected {
			stats.Skipped++
			continue
		}
		if err := j.store.DeleteConversation(ctx, conv.ID); err != nil {
			stats.Errors++
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Retention delete failed")
			continue
		}
		stats.Deleted++
	}
	return stats, nil
}
