package safety

import (
	"regexp"
	"strings"

	"github.com/solacehealth/solace/pkg/models"
)

// harmfulReplyPatterns match replies that endorse or instruct self-harm.
// A generated reply matching any of these is discarded by the
// orchestrator, never stored or shown.
var harmfulReplyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\byou should (?:kill yourself|end your life|hurt yourself|just give up)\b`),
	regexp.MustCompile(`(?i)\bhere(?:'s| is) how (?:to|you (?:can|could)) (?:kill yourself|end your life|hurt yourself|cut yourself)\b`),
	regexp.MustCompile(`(?i)\b(?:ways|methods) to (?:kill yourself|end your life|hurt yourself)\b`),
	regexp.MustCompile(`(?i)\b(?:the world|everyone) (?:would be|is) better off without you\b`),
	regexp.MustCompile(`(?i)\bit'?s (?:better|best) if you (?:die|disappear|aren'?t (?:here|around))\b`),
}

// crisisResourceMarkers are the substrings that count as acknowledging a
// crisis: hotline numbers and the standard resource keywords.
var crisisResourceMarkers = []string{
	"988",
	"741741",
	"911",
	"crisis text line",
	"crisis line",
	"crisis hotline",
	"suicide & crisis lifeline",
	"suicide prevention",
	"emergency services",
}

// directivePhrases are prescriptive phrasings counted by the advisory
// over-directive rule.
var directivePhrases = []string{
	"you should",
	"you must",
	"you need to",
	"you have to",
	"you ought to",
}

// OutputGate validates a generated reply before it is persisted or shown.
// Its rules are independent of the input gate: all of them may fire, the
// flags accumulate, and the level is the maximum over fired rules.
type OutputGate struct {
	patterns *PatternClassifier

	// DirectiveThreshold is the number of prescriptive phrasings a
	// reply may contain before the advisory rule fires.
	DirectiveThreshold int
}

// NewOutputGate builds an output gate sharing the pattern classifier
// with the input path.
func NewOutputGate(patterns *PatternClassifier) *OutputGate {
	return &OutputGate{patterns: patterns, DirectiveThreshold: 3}
}

// CheckOutput evaluates the reply against the original user text.
//
//  1. Harmful-content rule: reply endorses or instructs self-harm → Crisis.
//  2. Missing-intervention rule: the user text classified Crisis but the
//     reply carries none of the crisis-resource markers → High.
//  3. Over-directive rule: too many prescriptive phrasings → advisory
//     flag, level raised to at most Moderate.
func (g *OutputGate) CheckOutput(reply, originalUserText string) models.SafetyVerdict {
	level := models.RiskNone
	var flags []string
	var recs []string

	for _, re := range harmfulReplyPatterns {
		if re.MatchString(reply) {
			level = models.MaxRiskLevel(level, models.RiskCrisis)
			flags = append(flags, FlagHarmfulAdvice)
			recs = append(recs, "Discard the generated reply")
			break
		}
	}

	if g.patterns.Classify(originalUserText).Level == models.RiskCrisis && !containsCrisisResources(reply) {
		level = models.MaxRiskLevel(level, models.RiskHigh)
		flags = append(flags, FlagCrisisNotAddressed)
		recs = append(recs, "Substitute the crisis intervention script")
	}

	if countDirectives(reply) > g.DirectiveThreshold {
		level = models.MaxRiskLevel(level, models.RiskModerate)
		flags = append(flags, FlagOverDirectiveAdvice)
	}

	return models.NewVerdict(level, flags, recs)
}

func containsCrisisResources(reply string) bool {
	lower := strings.ToLower(reply)
	for _, marker := range crisisResourceMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func countDirectives(reply string) int {
	lower := strings.ToLower(reply)
	count := 0
	for _, phrase := range directivePhrases {
		count += strings.Count(lower, phrase)
	}
	return count
}
