// Package models defines the shared data model for the Solace dialogue plane:
// risk levels, safety verdicts, conversations, messages, analysis records,
// and the request/response shapes exposed by the HTTP API.
package models

import (
	"sort"
	"time"
)

// ── Risk Levels ──────────────────────────────────────────────

// RiskLevel is the severity classification of a detected safety concern.
// Levels form a total order: None < Low < Moderate < High < Crisis.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCrisis   RiskLevel = "crisis"
)

// riskRank is internal to Severity; comparison code must go through
// Severity/MaxRiskLevel so the order survives any reordering of constants.
var riskRank = map[RiskLevel]int{
	RiskNone:     0,
	RiskLow:      1,
	RiskModerate: 2,
	RiskHigh:     3,
	RiskCrisis:   4,
}

// Severity returns the numeric rank of a risk level. Unknown levels rank
// as None so malformed input can never escalate.
func (r RiskLevel) Severity() int {
	return riskRank[r]
}

// MaxRiskLevel returns the more severe of two levels.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// ── Safety Verdict ───────────────────────────────────────────

// SafetyVerdict is the result of a safety check over a piece of text.
//
// Invariants (enforced by NewVerdict, never set by hand):
//
//	RequiresIntervention == (Level is High or Crisis)
//	Safe                 == (Level is None, Low or Moderate)
type SafetyVerdict struct {
	Safe                 bool      `json:"safe"`
	Level                RiskLevel `json:"level"`
	Flags                []string  `json:"flags,omitempty"`
	RequiresIntervention bool      `json:"requires_intervention"`
	Recommendations      []string  `json:"recommendations,omitempty"`
}

// NewVerdict builds a verdict with Safe/RequiresIntervention derived from
// the level. Flags and recommendations are deduplicated and sorted so they
// behave as sets regardless of insertion order.
func NewVerdict(level RiskLevel, flags, recommendations []string) SafetyVerdict {
	return SafetyVerdict{
		Safe:                 level.Severity() <= RiskModerate.Severity(),
		Level:                level,
		Flags:                dedupSorted(flags),
		RequiresIntervention: level.Severity() >= RiskHigh.Severity(),
		Recommendations:      dedupSorted(recommendations),
	}
}

// HasFlag reports whether the verdict carries the named flag.
func (v SafetyVerdict) HasFlag(flag string) bool {
	for _, f := range v.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func dedupSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ── Conversations & Messages ─────────────────────────────────

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ChatMessage is the minimal role+content pair sent to model providers.
type ChatMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Message is a persisted conversation message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	RiskLevel      RiskLevel   `json:"risk_level,omitempty"`
	// Substituted marks assistant messages whose generated text was
	// replaced by a crisis script or safe fallback before storage.
	Substituted bool      `json:"substituted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conversation groups messages for one user and owns one AnalysisRecord.
type Conversation struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title,omitempty"`
	MessageCount   int       `json:"message_count"`
	CrisisDetected bool      `json:"crisis_detected"`
	RiskLevel      RiskLevel `json:"risk_level,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConversationContext is the read-only view passed into the safety gates
// and tier router. RecentMessages is most-recent-last and bounded.
type ConversationContext struct {
	UserID         string
	ConversationID string
	RecentMessages []ChatMessage
	MessageCount   int
}

// ── Model Tiers ──────────────────────────────────────────────

// TierDecision selects between the cheap/fast and expensive/deep
// generation paths. Produced once per turn and never mutated.
type TierDecision string

const (
	TierFast TierDecision = "fast"
	TierDeep TierDecision = "deep"
)

// TierContext carries the signals the tier router decides on.
type TierContext struct {
	MessageCount               int
	IsSessionEnd               bool
	RequiresDeepAnalysis       bool
	HasComplexEmotionalContent bool
}

// ── Analysis ─────────────────────────────────────────────────

// EmotionalState is the current read on the user's emotional state.
type EmotionalState struct {
	Primary   string  `json:"primary"`
	Secondary string  `json:"secondary,omitempty"`
	Intensity float64 `json:"intensity"`
}

// Bias is one detected cognitive bias with model confidence in [0,1].
type Bias struct {
	Name        string  `json:"name"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description,omitempty"`
}

// ThoughtPattern is one entry of the pattern distribution; percentages
// across a record's patterns sum to 100 (validated by the caller, not here).
type ThoughtPattern struct {
	Name       string  `json:"name"`
	Percentage float64 `json:"percentage"`
}

// AnalysisRecord is the durable per-conversation psychological analysis.
// It is mutated only by the analysis merger: emotional state and patterns
// are replaced wholesale, biases and insights are merge-extended under
// bounds. It is never cleared except by conversation deletion.
type AnalysisRecord struct {
	ConversationID string           `json:"conversation_id"`
	EmotionalState EmotionalState   `json:"emotional_state"`
	Biases         []Bias           `json:"biases,omitempty"`
	Insights       []string         `json:"insights,omitempty"`
	Patterns       []ThoughtPattern `json:"patterns,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// PartialAnalysis is the structured analysis a single generation turn may
// carry alongside its reply text.
type PartialAnalysis struct {
	EmotionalState *EmotionalState  `json:"emotional_state,omitempty"`
	Biases         []Bias           `json:"biases,omitempty"`
	Insights       []string         `json:"insights,omitempty"`
	Patterns       []ThoughtPattern `json:"patterns,omitempty"`
}

// ── Usage ────────────────────────────────────────────────────

// UsageCounter tracks per-user message consumption within a billing
// period. The count resets when the period ends. Check-and-increment is
// a single atomic store operation; see store.UsageStore.
type UsageCounter struct {
	UserID      string    `json:"user_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Count       int       `json:"count"`
}

// TokenUsage is the provider-reported token accounting for one call.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// GenerationResult is what the generation service returns for one turn.
// Partial is set when the caller cancelled mid-stream and Text holds the
// prefix accumulated so far.
type GenerationResult struct {
	Text     string           `json:"text"`
	Analysis *PartialAnalysis `json:"analysis,omitempty"`
	Usage    TokenUsage       `json:"usage"`
	Partial  bool             `json:"partial,omitempty"`
}

// ── Moderation ───────────────────────────────────────────────

// ContentKind tells the moderation service what it is looking at.
type ContentKind string

const (
	ContentUserInput  ContentKind = "user_input"
	ContentAIResponse ContentKind = "ai_response"
)

// ModerationResult is the raw categorical output of the external
// moderation model before it is mapped onto a SafetyVerdict.
type ModerationResult struct {
	Flagged    bool               `json:"flagged"`
	Categories map[string]float64 `json:"categories,omitempty"`
}

// ── Turn API ─────────────────────────────────────────────────

// TurnRequest is one inbound user message. ConversationID is empty for
// the first turn; a new conversation is created.
type TurnRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
	// IsSessionEnd marks the closing turn of a session; it forces the
	// deep generation tier for the wrap-up analysis.
	IsSessionEnd bool `json:"is_session_end,omitempty"`
	// DeepTierEligible is the caller-decided plan entitlement for the
	// deep generation tier. Set by the upstream gateway, not end users.
	DeepTierEligible bool `json:"deep_tier_eligible,omitempty"`
}

// TurnResponse is the orchestrator's answer for one turn. Analysis is nil
// when suppressed by the display-confidence filter or when the turn
// carried none.
type TurnResponse struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	ReplyText      string          `json:"reply_text"`
	Analysis       *AnalysisRecord `json:"analysis,omitempty"`
	CrisisDetected bool            `json:"crisis_detected"`
}

// ── Turn State Machine ───────────────────────────────────────

// TurnState labels the orchestrator's per-message progress, mostly for
// tracing and audit logs. CrisisResponded is terminal and bypasses
// Generating/OutputChecked.
type TurnState string

const (
	TurnReceived        TurnState = "received"
	TurnInputChecked    TurnState = "input_checked"
	TurnCrisisResponded TurnState = "crisis_responded"
	TurnGenerating      TurnState = "generating"
	TurnOutputChecked   TurnState = "output_checked"
	TurnPersisted       TurnState = "persisted"
	TurnResponded       TurnState = "responded"
)
