// Package orchestrator sequences one dialogue turn through the safety
// gates, the tier router, generation, and persistence.
//
// The per-message state machine is
//
//	RECEIVED → INPUT_CHECKED → {CRISIS_RESPONDED | GENERATING}
//	         → OUTPUT_CHECKED → PERSISTED → RESPONDED
//
// CRISIS_RESPONDED is terminal: a crisis verdict on the input short-
// circuits straight to the scripted intervention and never touches the
// generation service.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/solacehealth/solace/internal/analysis"
	"github.com/solacehealth/solace/internal/safety"
	"github.com/solacehealth/solace/internal/store"
	"github.com/solacehealth/solace/internal/tier"
	"github.com/solacehealth/solace/pkg/contracts"
	"github.com/solacehealth/solace/pkg/models"
)

var tracer = otel.Tracer("solace-dialogue")

// Static, pre-approved response scripts. They have no external
// dependency, so substitution can never fail.
const (
	// CrisisScript replaces model generation entirely when a crisis is
	// detected, and replaces the model's reply when the output gate
	// finds a crisis unacknowledged.
	CrisisScript = "I'm really concerned about what you're sharing, and I want you to know " +
		"you don't have to face this alone. Please reach out right now to people who are " +
		"trained to help:\n\n" +
		"- Call or text 988 (Suicide & Crisis Lifeline, 24/7)\n" +
		"- Text HOME to 741741 (Crisis Text Line)\n" +
		"- If you are in immediate danger, call 911\n\n" +
		"Your life matters. Talking to a crisis counselor, a trusted person, or going to " +
		"your nearest emergency room is a strong step, not a weak one."

	// SafeFallback replaces a reply the output gate rejected when the
	// input gate did not require intervention.
	SafeFallback = "I'm sorry — I wasn't able to give you a good response just now. " +
		"Could you tell me a bit more about what's on your mind? I'm here to listen."

	// GenerationApology is persisted when the generation service fails.
	GenerationApology = "I'm sorry, I'm having trouble responding right now. " +
		"Please try again in a moment — your message was not lost."
)

// Config bounds the orchestrator's shared-resource policy.
type Config struct {
	// UsageLimit is the number of user messages allowed per period.
	UsageLimit int

	// UsagePeriod is the rolling usage window.
	UsagePeriod time.Duration

	// RecentWindow bounds how many stored messages are replayed to the
	// generation service as context.
	RecentWindow int

	// DisplayConfidenceFloor suppresses a turn's displayed analysis
	// unless at least one bias reaches this confidence. Stored data is
	// unaffected.
	DisplayConfidenceFloor float64
}

// DefaultConfig returns the product defaults.
func DefaultConfig() Config {
	return Config{
		UsageLimit:             50,
		UsagePeriod:            24 * time.Hour,
		RecentWindow:           20,
		DisplayConfidenceFloor: 0.3,
	}
}

// Orchestrator is the top-level dialogue state machine. It is stateless
// between requests; the store holds the only shared mutable resources.
type Orchestrator struct {
	cfg        Config
	store      store.Store
	inputGate  *safety.InputGate
	outputGate *safety.OutputGate
	generator  contracts.GenerationService
	merger     *analysis.Merger
}

// New wires an orchestrator.
func New(cfg Config, s store.Store, in *safety.InputGate, out *safety.OutputGate, gen contracts.GenerationService, merger *analysis.Merger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      s,
		inputGate:  in,
		outputGate: out,
		generator:  gen,
		merger:     merger,
	}
}

// SendTurn handles one inbound user message and returns the stored
// reply. deepTierEligible gates access to the deep generation tier (a
// plan entitlement decided by the caller).
func (o *Orchestrator) SendTurn(ctx context.Context, req models.TurnRequest, deepTierEligible bool) (*models.TurnResponse, error) {
	return o.runTurn(ctx, req, deepTierEligible, func(ctx context.Context, msgs []models.ChatMessage, t models.TierDecision) (*models.GenerationResult, error) {
		return o.generator.Generate(ctx, msgs, t)
	})
}

// SendTurnStream behaves like SendTurn but streams reply deltas to the
// channel as they are generated. If the caller aborts mid-generation,
// the partial text accumulated so far is still gated and persisted.
// The channel is closed when generation ends.
func (o *Orchestrator) SendTurnStream(ctx context.Context, req models.TurnRequest, deepTierEligible bool, deltas chan<- string) (*models.TurnResponse, error) {
	return o.runTurn(ctx, req, deepTierEligible, func(ctx context.Context, msgs []models.ChatMessage, t models.TierDecision) (*models.GenerationResult, error) {
		return o.generator.GenerateStream(ctx, msgs, t, deltas)
	})
}

type generateFunc func(context.Context, []models.ChatMessage, models.TierDecision) (*models.GenerationResult, error)

func (o *Orchestrator) runTurn(ctx context.Context, req models.TurnRequest, deepTierEligible bool, generate generateFunc) (*models.TurnResponse, error) {
	ctx, span := tracer.Start(ctx, "dialogue.turn", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
	))
	defer span.End()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, &ErrEmptyMessage{}
	}

	conv, err := o.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	// RECEIVED → INPUT_CHECKED
	span.AddEvent(string(models.TurnInputChecked))
	inputVerdict := o.inputGate.CheckInput(ctx, text, models.ConversationContext{
		UserID:         req.UserID,
		ConversationID: conv.ID,
		MessageCount:   conv.MessageCount,
	})
	span.SetAttributes(attribute.String("safety.input_level", string(inputVerdict.Level)))

	if inputVerdict.Level == models.RiskCrisis {
		return o.respondCrisis(ctx, span, conv, text, inputVerdict)
	}

	// The usage check runs after the input gate so a crisis intervention
	// is always delivered, but strictly before any generation attempt.
	counter, allowed, err := o.store.CheckAndIncrementUsage(ctx, req.UserID, o.cfg.UsageLimit, o.cfg.UsagePeriod)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &ErrUsageLimitExceeded{Limit: o.cfg.UsageLimit, ResetAt: counter.PeriodEnd}
	}

	userMsg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        text,
		RiskLevel:      inputVerdict.Level,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	messageCount := conv.MessageCount + 1

	// INPUT_CHECKED → GENERATING
	decision := models.TierFast
	if deepTierEligible {
		decision = tier.Route(models.TierContext{
			MessageCount:               messageCount,
			IsSessionEnd:               req.IsSessionEnd,
			RequiresDeepAnalysis:       inputVerdict.RequiresIntervention,
			HasComplexEmotionalContent: inputVerdict.Level.Severity() >= models.RiskModerate.Severity(),
		})
	}
	span.SetAttributes(attribute.String("generation.tier", string(decision)))
	span.AddEvent(string(models.TurnGenerating))

	transcript, err := o.buildTranscript(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	result, err := generate(ctx, transcript, decision)

	// Everything after generation persists on a context detached from
	// the request: a streaming caller may have aborted already, and the
	// partial text (or the apology) must still land in the store.
	persistCtx := context.WithoutCancel(ctx)

	if err != nil {
		// The user always receives some reply: persist the apology,
		// then surface the retryable service error.
		if perr := o.persistReply(persistCtx, conv, &models.Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Role:           models.RoleAssistant,
			Content:        GenerationApology,
			Substituted:    true,
			CreatedAt:      time.Now().UTC(),
		}, inputVerdict.Level); perr != nil {
			log.Error().Err(perr).
				Str("conversation_id", conv.ID).
				Msg("Failed to persist generation-failure apology")
		}
		return nil, &ErrGenerationUnavailable{Err: err}
	}

	// GENERATING → OUTPUT_CHECKED
	span.AddEvent(string(models.TurnOutputChecked))
	replyText := result.Text
	outputVerdict := o.outputGate.CheckOutput(replyText, text)
	substituted := false
	if !outputVerdict.Safe {
		// The raw reply is discarded, never stored or shown. The
		// substitution is audited: silent replacement would defeat
		// the purpose of the gate.
		if inputVerdict.RequiresIntervention {
			replyText = CrisisScript
		} else {
			replyText = SafeFallback
		}
		substituted = true
		span.AddEvent("unsafe_output_suppressed")
		log.Warn().
			Str("conversation_id", conv.ID).
			Strs("flags", outputVerdict.Flags).
			Str("level", string(outputVerdict.Level)).
			Bool("crisis_substitution", inputVerdict.RequiresIntervention).
			Msg("Unsafe generated reply suppressed and substituted")
	}

	// OUTPUT_CHECKED → PERSISTED
	assistantMsg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        replyText,
		RiskLevel:      outputVerdict.Level,
		Substituted:    substituted,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.persistReply(persistCtx, conv, assistantMsg, inputVerdict.Level); err != nil {
		return nil, err
	}
	messageCount++

	var displayed *models.AnalysisRecord
	if result.Analysis != nil {
		merged, err := o.mergeAnalysis(persistCtx, conv.ID, *result.Analysis, messageCount)
		if err != nil {
			return nil, err
		}
		if o.analysisDisplayable(merged) {
			displayed = merged
		}
	}
	span.AddEvent(string(models.TurnPersisted))

	// PERSISTED → RESPONDED
	span.AddEvent(string(models.TurnResponded))
	return &models.TurnResponse{
		ConversationID: conv.ID,
		MessageID:      assistantMsg.ID,
		ReplyText:      replyText,
		Analysis:       displayed,
		CrisisDetected: false,
	}, nil
}

// respondCrisis is the CRISIS_RESPONDED terminal path: the user message
// and the scripted intervention are persisted, the conversation is
// flagged, and generation is skipped entirely.
func (o *Orchestrator) respondCrisis(ctx context.Context, span trace.Span, conv *models.Conversation, text string, verdict models.SafetyVerdict) (*models.TurnResponse, error) {
	span.AddEvent(string(models.TurnCrisisResponded))
	log.Warn().
		Str("conversation_id", conv.ID).
		Strs("flags", verdict.Flags).
		Msg("Crisis detected on input, responding with intervention script")

	userMsg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        text,
		RiskLevel:      models.RiskCrisis,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	crisisMsg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        CrisisScript,
		RiskLevel:      models.RiskCrisis,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.persistReply(ctx, conv, crisisMsg, models.RiskCrisis); err != nil {
		return nil, err
	}

	return &models.TurnResponse{
		ConversationID: conv.ID,
		MessageID:      crisisMsg.ID,
		ReplyText:      CrisisScript,
		CrisisDetected: true,
	}, nil
}

// resolveConversation loads an existing conversation after an ownership
// check, or creates a new one when no id was supplied.
func (o *Orchestrator) resolveConversation(ctx context.Context, req models.TurnRequest) (*models.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := o.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			if _, ok := err.(*store.ErrNotFound); ok {
				return nil, &ErrConversationNotFound{ConversationID: req.ConversationID}
			}
			return nil, err
		}
		if conv.UserID != req.UserID {
			return nil, &ErrConversationNotFound{ConversationID: req.ConversationID}
		}
		return conv, nil
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Title:     titleFrom(req.Text),
		RiskLevel: models.RiskNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// persistReply appends the assistant message and folds the turn's risk
// level into the conversation record.
func (o *Orchestrator) persistReply(ctx context.Context, conv *models.Conversation, msg *models.Message, turnLevel models.RiskLevel) error {
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		return err
	}

	conv.RiskLevel = models.MaxRiskLevel(conv.RiskLevel, turnLevel)
	if turnLevel == models.RiskCrisis {
		conv.CrisisDetected = true
	}
	conv.UpdatedAt = time.Now().UTC()
	return o.store.UpdateConversation(ctx, conv)
}

func (o *Orchestrator) buildTranscript(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	recent, err := o.store.ListMessages(ctx, conversationID, o.cfg.RecentWindow)
	if err != nil {
		return nil, err
	}
	transcript := make([]models.ChatMessage, 0, len(recent))
	for _, msg := range recent {
		transcript = append(transcript, models.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return transcript, nil
}

func (o *Orchestrator) mergeAnalysis(ctx context.Context, conversationID string, incoming models.PartialAnalysis, messageCount int) (*models.AnalysisRecord, error) {
	existing, err := o.store.GetAnalysis(ctx, conversationID)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); !ok {
			return nil, err
		}
		existing = &models.AnalysisRecord{ConversationID: conversationID}
	}

	merged := o.merger.Merge(*existing, incoming, messageCount)
	if err := o.store.UpsertAnalysis(ctx, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// analysisDisplayable applies the display-side confidence filter: the
// turn's analysis is surfaced only when some bias clears the floor.
func (o *Orchestrator) analysisDisplayable(record *models.AnalysisRecord) bool {
	for _, b := range record.Biases {
		if b.Confidence >= o.cfg.DisplayConfidenceFloor {
			return true
		}
	}
	return false
}

func titleFrom(text string) string {
	words := strings.Fields(text)
	if len(words) > 6 {
		words = words[:6]
	}
	title := strings.Join(words, " ")
	if len(title) > 60 {
		title = title[:60]
	}
	return title
}
