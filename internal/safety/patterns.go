// Package safety implements the safety gates of the dialogue plane:
// a pure pattern classifier, the remote moderation classifier with its
// fail-open policy, the risk combinator, and the input/output gates.
//
// The pattern classifier scans text against an ordered table of rule
// tiers, most severe first. The first tier with any matching rule decides
// the risk level, and every matching rule within that tier contributes
// its flag; evaluation then stops so lower tiers can never downgrade the
// verdict. The rule set is data, not control flow, so individual rules
// can be tested and tiers reordered without touching the evaluator.
package safety

import (
	"regexp"

	"github.com/solacehealth/solace/pkg/models"
)

// Flags emitted by the pattern classifier and the gates.
const (
	FlagSuicidalIdeationWithIntent = "SUICIDAL_IDEATION_WITH_INTENT"
	FlagSuicideMethodOrTimeframe   = "SUICIDE_METHOD_OR_TIMEFRAME"
	FlagImminentSelfHarm           = "IMMINENT_SELF_HARM"
	FlagFarewellMessage            = "FAREWELL_MESSAGE"
	FlagPassiveSuicidalIdeation    = "PASSIVE_SUICIDAL_IDEATION"
	FlagSevereHopelessness         = "SEVERE_HOPELESSNESS"
	FlagSelfHarmUrge               = "SELF_HARM_URGE"
	FlagSevereDistress             = "SEVERE_DISTRESS"
	FlagPanicSymptoms              = "PANIC_SYMPTOMS"
	FlagLowMood                    = "LOW_MOOD"
	FlagSleepDisruption            = "SLEEP_DISRUPTION"

	FlagCheckFailed         = "CHECK_FAILED"
	FlagModerationFlagged   = "MODERATION_FLAGGED"
	FlagHarmfulAdvice       = "HARMFUL_ADVICE"
	FlagCrisisNotAddressed  = "CRISIS_NOT_ADDRESSED"
	FlagOverDirectiveAdvice = "OVER_DIRECTIVE_ADVICE"
)

// patternRule is one (pattern, flag) pair inside a tier.
type patternRule struct {
	re   *regexp.Regexp
	flag string
}

// patternTier groups rules that share a risk level. Tiers are evaluated
// in table order.
type patternTier struct {
	level           models.RiskLevel
	rules           []patternRule
	recommendations []string
}

var defaultTiers = []patternTier{
	{
		level: models.RiskCrisis,
		rules: []patternRule{
			{regexp.MustCompile(`(?i)\b(?:going to|gonna|about to|plan(?:ning)?\s+to|decided to)\s+(?:kill myself|end my life|end it all|commit suicide)\b`), FlagSuicidalIdeationWithIntent},
			{regexp.MustCompile(`(?i)\b(?:kill myself|end my life|commit suicide)\b.{0,50}\b(?:tonight|today|tomorrow|right now|this week|with (?:a |my |the )?(?:gun|pills|rope|knife|razor))`), FlagSuicideMethodOrTimeframe},
			{regexp.MustCompile(`(?i)\b(?:about to|going to|gonna)\s+(?:hurt|cut|harm)\s+myself\b`), FlagImminentSelfHarm},
			{regexp.MustCompile(`(?i)(?:this is goodbye|won'?t be here tomorrow|by the time you read this)`), FlagFarewellMessage},
		},
		recommendations: []string{
			"Respond with the crisis intervention script",
			"Surface 988 and Crisis Text Line resources",
		},
	},
	{
		level: models.RiskHigh,
		rules: []patternRule{
			{regexp.MustCompile(`(?i)\b(?:wish i (?:was|were) dead|don'?t want to (?:live|be alive|wake up)|want to die|thoughts? of (?:suicide|dying|killing myself)|everyone would be better off without me)\b`), FlagPassiveSuicidalIdeation},
			{regexp.MustCompile(`(?i)\b(?:no (?:reason|point) (?:to|in) (?:live|living|go(?:ing)? on)|nothing (?:matters|will ever get better)|can'?t go on(?: like this)?|there'?s no way out)\b`), FlagSevereHopelessness},
			{regexp.MustCompile(`(?i)\b(?:urge to (?:cut|hurt|harm) myself|want to (?:cut|hurt|harm) myself|been cutting(?: myself)?)\b`), FlagSelfHarmUrge},
		},
		recommendations: []string{
			"Acknowledge the user's pain directly",
			"Offer crisis resources in the reply",
		},
	},
	{
		level: models.RiskModerate,
		rules: []patternRule{
			{regexp.MustCompile(`(?i)\b(?:falling apart|completely overwhelmed|can'?t (?:cope|handle (?:this|it|anything))|breaking down)\b`), FlagSevereDistress},
			{regexp.MustCompile(`(?i)\b(?:panic attack|can'?t breathe|heart (?:is )?racing|chest (?:is )?tight)\b`), FlagPanicSymptoms},
		},
		recommendations: []string{
			"Use grounding techniques in the reply",
		},
	},
	{
		level: models.RiskLow,
		rules: []patternRule{
			{regexp.MustCompile(`(?i)\bfeel(?:ing)?\s+(?:really\s+|so\s+|very\s+)?(?:sad|down|depressed|empty|numb|worthless|hopeless)\b`), FlagLowMood},
			{regexp.MustCompile(`(?i)\b(?:can'?t sleep|haven'?t slept|up all night)\b`), FlagSleepDisruption},
		},
	},
}

// PatternClassifier is the synchronous, in-process risk classifier. It is
// pure and safe for concurrent use; all state is the compiled rule table.
type PatternClassifier struct {
	tiers []patternTier
}

// NewPatternClassifier returns a classifier using the built-in rule table.
func NewPatternClassifier() *PatternClassifier {
	return &PatternClassifier{tiers: defaultTiers}
}

// Classify scans text top-down through the tier table. The first tier
// with a match decides the level; all matching flags within that tier are
// recorded and evaluation stops. No match returns a safe RiskNone verdict.
func (c *PatternClassifier) Classify(text string) models.SafetyVerdict {
	for _, tier := range c.tiers {
		var flags []string
		for _, rule := range tier.rules {
			if rule.re.MatchString(text) {
				flags = append(flags, rule.flag)
			}
		}
		if len(flags) > 0 {
			return models.NewVerdict(tier.level, flags, tier.recommendations)
		}
	}
	return models.NewVerdict(models.RiskNone, nil, nil)
}
