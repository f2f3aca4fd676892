// Package tier decides which generation tier answers a non-crisis turn.
package tier

import "github.com/solacehealth/solace/pkg/models"

// deepEveryN forces a periodic deep re-analysis in long, uneventful
// conversations. The sampling is deliberate: without it a conversation
// that never trips the other signals would stay on the fast tier forever.
const deepEveryN = 5

// Route maps the turn context to a tier. Rules are evaluated in priority
// order, first match wins:
//
//  1. Session end or an explicit deep-analysis request → deep.
//  2. Complex emotional content → deep.
//  3. Every 5th message → deep (message 0 never triggers this).
//  4. Otherwise → fast.
func Route(ctx models.TierContext) models.TierDecision {
	if ctx.IsSessionEnd || ctx.RequiresDeepAnalysis {
		return models.TierDeep
	}
	if ctx.HasComplexEmotionalContent {
		return models.TierDeep
	}
	if ctx.MessageCount > 0 && ctx.MessageCount%deepEveryN == 0 {
		return models.TierDeep
	}
	return models.TierFast
}
