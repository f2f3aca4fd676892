// Package analysis folds per-turn partial analyses into the durable
// per-conversation analysis record.
package analysis

import (
	"sort"
	"strings"
	"time"

	"github.com/solacehealth/solace/pkg/models"
)

// Merger merges a turn's partial analysis into the cumulative record.
// All methods are pure with respect to shared state; the merger itself
// holds only configuration and is safe for concurrent use.
type Merger struct {
	// MinMessagesForAnalysis is the conversation length below which
	// incoming biases and insights are discarded for lack of context.
	// Emotional state still updates below this threshold.
	MinMessagesForAnalysis int

	// InsightPrefixLen is the number of leading characters used by the
	// near-duplicate check on insights. The original product shipped
	// with 20; it is configurable rather than second-guessed.
	InsightPrefixLen int

	// MaxBiases bounds the stored bias list (top entries by confidence).
	MaxBiases int

	// MaxInsights bounds the stored insight list (most recent kept).
	MaxInsights int
}

// NewMerger returns a merger with the product defaults.
func NewMerger() *Merger {
	return &Merger{
		MinMessagesForAnalysis: 5,
		InsightPrefixLen:       20,
		MaxBiases:              10,
		MaxInsights:            20,
	}
}

// Merge returns the record after folding in the incoming analysis.
// The existing record is not mutated.
//
// Rules:
//   - Below MinMessagesForAnalysis messages, incoming biases and insights
//     are discarded entirely; only the emotional state may update.
//   - Biases merge by name keeping the higher-confidence entry, sorted by
//     confidence descending, truncated to MaxBiases.
//   - Insights are appended unless a near-duplicate already exists, then
//     truncated to the most recent MaxInsights (oldest dropped first).
//   - Patterns are replaced wholesale. Callers must validate that the
//     percentages sum to 100 before calling; Merge does not repair them.
func (m *Merger) Merge(existing models.AnalysisRecord, incoming models.PartialAnalysis, conversationMessageCount int) models.AnalysisRecord {
	merged := existing
	merged.Biases = append([]models.Bias(nil), existing.Biases...)
	merged.Insights = append([]string(nil), existing.Insights...)
	merged.Patterns = append([]models.ThoughtPattern(nil), existing.Patterns...)

	if incoming.EmotionalState != nil {
		merged.EmotionalState = *incoming.EmotionalState
	}
	if incoming.Patterns != nil {
		merged.Patterns = append([]models.ThoughtPattern(nil), incoming.Patterns...)
	}

	if conversationMessageCount >= m.MinMessagesForAnalysis {
		merged.Biases = m.mergeBiases(merged.Biases, incoming.Biases)
		merged.Insights = m.mergeInsights(merged.Insights, incoming.Insights)
	}

	merged.UpdatedAt = time.Now().UTC()
	return merged
}

func (m *Merger) mergeBiases(existing, incoming []models.Bias) []models.Bias {
	byName := make(map[string]int, len(existing))
	merged := append([]models.Bias(nil), existing...)
	for i, b := range merged {
		byName[b.Name] = i
	}

	for _, in := range incoming {
		if i, ok := byName[in.Name]; ok {
			if in.Confidence > merged[i].Confidence {
				merged[i] = in
			}
			continue
		}
		byName[in.Name] = len(merged)
		merged = append(merged, in)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Confidence > merged[j].Confidence
	})
	if len(merged) > m.MaxBiases {
		merged = merged[:m.MaxBiases]
	}
	return merged
}

func (m *Merger) mergeInsights(existing, incoming []string) []string {
	merged := append([]string(nil), existing...)
	for _, in := range incoming {
		if m.isDuplicateInsight(merged, in) {
			continue
		}
		merged = append(merged, in)
	}
	if len(merged) > m.MaxInsights {
		merged = merged[len(merged)-m.MaxInsights:]
	}
	return merged
}

// isDuplicateInsight treats two insights as near-duplicates if either
// contains the other's leading InsightPrefixLen characters,
// case-insensitively.
func (m *Merger) isDuplicateInsight(existing []string, candidate string) bool {
	cand := strings.ToLower(candidate)
	candPrefix := prefix(cand, m.InsightPrefixLen)
	for _, e := range existing {
		ex := strings.ToLower(e)
		if strings.Contains(cand, prefix(ex, m.InsightPrefixLen)) || strings.Contains(ex, candPrefix) {
			return true
		}
	}
	return false
}

// prefix returns the first n characters of s. Insights are free text,
// so the cut must land on rune boundaries, not byte offsets.
func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
