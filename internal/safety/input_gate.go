package safety

import (
	"context"

	"github.com/solacehealth/solace/pkg/models"
)

// InputGate checks a user message before any generation work happens.
//
// The pattern classifier always runs first: it is the cheapest, most
// reliable signal, and a Crisis result must not wait on a network call.
// Only non-crisis messages go on to the remote classifier, whose verdict
// is combined in for nuance.
type InputGate struct {
	patterns *PatternClassifier
	remote   *RemoteClassifier
}

// NewInputGate wires the gate from its two classifiers.
func NewInputGate(patterns *PatternClassifier, remote *RemoteClassifier) *InputGate {
	return &InputGate{patterns: patterns, remote: remote}
}

// CheckInput returns the verdict for a user message. A Crisis pattern
// result short-circuits: the remote classifier is never invoked in that
// case.
func (g *InputGate) CheckInput(ctx context.Context, text string, _ models.ConversationContext) models.SafetyVerdict {
	patternVerdict := g.patterns.Classify(text)
	if patternVerdict.Level == models.RiskCrisis {
		return patternVerdict
	}

	remoteVerdict := g.remote.Classify(ctx, text, models.ContentUserInput)
	return Combine(patternVerdict, remoteVerdict)
}
