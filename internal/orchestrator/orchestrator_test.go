package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/solacehealth/solace/internal/analysis"
	"github.com/solacehealth/solace/internal/orchestrator"
	"github.com/solacehealth/solace/internal/safety"
	"github.com/solacehealth/solace/internal/store"
	"github.com/solacehealth/solace/pkg/models"
)

// fakeGenerator is a scripted GenerationService that records its calls.
type fakeGenerator struct {
	calls    int
	lastTier models.TierDecision
	reply    string
	analysis *models.PartialAnalysis
	err      error
}

func (f *fakeGenerator) Generate(ctx context.Context, messages []models.ChatMessage, tier models.TierDecision) (*models.GenerationResult, error) {
	f.calls++
	f.lastTier = tier
	if f.err != nil {
		return nil, f.err
	}
	return &models.GenerationResult{Text: f.reply, Analysis: f.analysis}, nil
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, messages []models.ChatMessage, tier models.TierDecision, deltas chan<- string) (*models.GenerationResult, error) {
	defer close(deltas)
	result, err := f.Generate(ctx, messages, tier)
	if err != nil {
		return nil, err
	}
	deltas <- result.Text
	return result, nil
}

// cleanModeration always reports text as unflagged.
type cleanModeration struct{}

func (cleanModeration) Moderate(ctx context.Context, text string, kind models.ContentKind) (*models.ModerationResult, error) {
	return &models.ModerationResult{}, nil
}

type fixture struct {
	store store.Store
	gen   *fakeGenerator
	orch  *orchestrator.Orchestrator
}

func newFixture(t *testing.T, cfg orchestrator.Config) *fixture {
	t.Helper()

	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })

	patterns := safety.NewPatternClassifier()
	remote := safety.NewRemoteClassifier(cleanModeration{}, time.Second)
	gen := &fakeGenerator{reply: "That sounds like a lot to carry. What helped you get through today?"}

	orch := orchestrator.New(cfg,
		s,
		safety.NewInputGate(patterns, remote),
		safety.NewOutputGate(patterns),
		gen,
		analysis.NewMerger(),
	)
	return &fixture{store: s, gen: gen, orch: orch}
}

func sendTurn(t *testing.T, f *fixture, req models.TurnRequest) *models.TurnResponse {
	t.Helper()
	resp, err := f.orch.SendTurn(context.Background(), req, true)
	if err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}
	return resp
}

// ─── Crisis path ─────────────────────────────────────────────

func TestCrisisTurnShortCircuits(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	resp := sendTurn(t, f, models.TurnRequest{
		UserID: "u1",
		Text:   "I'm going to kill myself tonight",
	})

	if !resp.CrisisDetected {
		t.Errorf("CrisisDetected = false, want true")
	}
	if !strings.Contains(resp.ReplyText, "988") {
		t.Errorf("crisis reply carries no hotline number: %q", resp.ReplyText)
	}
	if f.gen.calls != 0 {
		t.Errorf("generation called %d times on a crisis turn, want 0", f.gen.calls)
	}

	conv, err := f.store.GetConversation(ctx, resp.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if !conv.CrisisDetected {
		t.Errorf("conversation CrisisDetected = false, want true")
	}
	if conv.RiskLevel != models.RiskCrisis {
		t.Errorf("conversation RiskLevel = %q, want crisis", conv.RiskLevel)
	}

	msgs, _ := f.store.ListMessages(ctx, resp.ConversationID, 0)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want user message and intervention", len(msgs))
	}
	if msgs[0].RiskLevel != models.RiskCrisis {
		t.Errorf("user message RiskLevel = %q, want crisis", msgs[0].RiskLevel)
	}
	if !strings.Contains(msgs[1].Content, "741741") {
		t.Errorf("stored intervention missing crisis text line: %q", msgs[1].Content)
	}

	// A crisis intervention never consumes the usage quota.
	counter, _ := f.store.GetUsage(ctx, "u1")
	if counter.Count != 0 {
		t.Errorf("usage Count = %d after crisis turn, want 0", counter.Count)
	}
}

// ─── Normal path ─────────────────────────────────────────────

func TestNormalTurnPersistsBothMessages(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())
	ctx := context.Background()

	resp := sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "Work has been stressful lately"})

	if resp.CrisisDetected {
		t.Errorf("CrisisDetected = true, want false")
	}
	if resp.ReplyText != f.gen.reply {
		t.Errorf("ReplyText = %q, want the generated reply", resp.ReplyText)
	}

	msgs, _ := f.store.ListMessages(ctx, resp.ConversationID, 0)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Errorf("message roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Substituted {
		t.Errorf("clean reply marked substituted")
	}

	counter, _ := f.store.GetUsage(ctx, "u1")
	if counter.Count != 1 {
		t.Errorf("usage Count = %d, want 1", counter.Count)
	}
}

func TestTurnContinuesConversation(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())

	first := sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "Hello there"})
	second := sendTurn(t, f, models.TurnRequest{
		UserID:         "u1",
		ConversationID: first.ConversationID,
		Text:           "Following up on yesterday",
	})

	if second.ConversationID != first.ConversationID {
		t.Errorf("second turn opened a new conversation")
	}
	conv, _ := f.store.GetConversation(context.Background(), first.ConversationID)
	if conv.MessageCount != 4 {
		t.Errorf("MessageCount = %d, want 4", conv.MessageCount)
	}
}

// ─── Validation and ownership ────────────────────────────────

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())

	_, err := f.orch.SendTurn(context.Background(), models.TurnRequest{UserID: "u1", Text: "   "}, true)
	if _, ok := err.(*orchestrator.ErrEmptyMessage); !ok {
		t.Errorf("error = %v, want *ErrEmptyMessage", err)
	}
}

func TestForeignConversationReadsAsNotFound(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())

	first := sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "Hello"})

	_, err := f.orch.SendTurn(context.Background(), models.TurnRequest{
		UserID:         "intruder",
		ConversationID: first.ConversationID,
		Text:           "Let me in",
	}, true)
	if _, ok := err.(*orchestrator.ErrConversationNotFound); !ok {
		t.Errorf("error = %v, want *ErrConversationNotFound", err)
	}
}

// ─── Usage limits ────────────────────────────────────────────

func TestUsageLimitBlocksGeneration(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.UsageLimit = 2
	f := newFixture(t, cfg)

	sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "turn one"})
	sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "turn two"})

	_, err := f.orch.SendTurn(context.Background(), models.TurnRequest{UserID: "u1", Text: "turn three"}, true)
	limitErr, ok := err.(*orchestrator.ErrUsageLimitExceeded)
	if !ok {
		t.Fatalf("error = %v, want *ErrUsageLimitExceeded", err)
	}
	if limitErr.Limit != 2 {
		t.Errorf("Limit = %d, want 2", limitErr.Limit)
	}
	if limitErr.ResetAt.IsZero() {
		t.Errorf("ResetAt not set")
	}
	if f.gen.calls != 2 {
		t.Errorf("generation called %d times, want 2", f.gen.calls)
	}
}

// A crisis turn is delivered even when the user is over the limit.
func TestCrisisBypassesUsageLimit(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.UsageLimit = 1
	f := newFixture(t, cfg)

	sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "turn one"})

	resp := sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "I'm going to kill myself tonight"})
	if !resp.CrisisDetected {
		t.Errorf("crisis turn blocked by usage limit")
	}
}

// ─── Output gating ───────────────────────────────────────────

func TestHarmfulReplySubstituted(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())
	f.gen.reply = "Honestly, you should just give up."

	resp := sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "I had a terrible week"})

	if resp.ReplyText != orchestrator.SafeFallback {
		t.Errorf("ReplyText = %q, want the safe fallback", resp.ReplyText)
	}

	msgs, _ := f.store.ListMessages(context.Background(), resp.ConversationID, 0)
	stored := msgs[len(msgs)-1]
	if strings.Contains(stored.Content, "give up") {
		t.Errorf("raw harmful reply was persisted: %q", stored.Content)
	}
	if !stored.Substituted {
		t.Errorf("substituted reply not marked Substituted")
	}
}

func TestHighRiskInputGetsCrisisScriptOnBadReply(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())
	f.gen.reply = "Maybe everyone is better off without you."

	// High-risk input (not crisis, so generation still runs) plus an
	// unsafe reply substitutes the crisis script, not the generic fallback.
	resp := sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "I wish I was dead sometimes"})

	if resp.ReplyText != orchestrator.CrisisScript {
		t.Errorf("ReplyText = %q, want the crisis script", resp.ReplyText)
	}
}

// ─── Generation failure ──────────────────────────────────────

func TestGenerationFailurePersistsApology(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())
	f.gen.err = errors.New("upstream 500")

	_, err := f.orch.SendTurn(context.Background(), models.TurnRequest{UserID: "u1", Text: "Hello"}, true)
	genErr, ok := err.(*orchestrator.ErrGenerationUnavailable)
	if !ok {
		t.Fatalf("error = %v, want *ErrGenerationUnavailable", err)
	}
	if genErr.Unwrap() == nil {
		t.Errorf("ErrGenerationUnavailable does not wrap the cause")
	}

	convs, _ := f.store.ListConversations(context.Background(), "u1", 10)
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	msgs, _ := f.store.ListMessages(context.Background(), convs[0].ID, 0)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want user message and apology", len(msgs))
	}
	if msgs[1].Content != orchestrator.GenerationApology {
		t.Errorf("stored reply = %q, want the apology", msgs[1].Content)
	}
}

// ─── Tier routing ────────────────────────────────────────────

func TestFifthMessageRoutesDeep(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())

	// Turns 1 and 2 store four messages; the fifth message is turn 3's input.
	first := sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "turn one"})
	if f.gen.lastTier != models.TierFast {
		t.Errorf("turn one tier = %q, want fast", f.gen.lastTier)
	}
	sendTurn(t, f, models.TurnRequest{UserID: "u1", ConversationID: first.ConversationID, Text: "turn two"})
	sendTurn(t, f, models.TurnRequest{UserID: "u1", ConversationID: first.ConversationID, Text: "turn three"})
	if f.gen.lastTier != models.TierDeep {
		t.Errorf("turn three tier = %q, want deep on the fifth message", f.gen.lastTier)
	}
}

func TestSessionEndRoutesDeep(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())

	sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "wrapping up for today", IsSessionEnd: true})
	if f.gen.lastTier != models.TierDeep {
		t.Errorf("session-end tier = %q, want deep", f.gen.lastTier)
	}
}

func TestIneligibleCallerStaysFast(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())

	_, err := f.orch.SendTurn(context.Background(), models.TurnRequest{
		UserID:       "u1",
		Text:         "wrapping up for today",
		IsSessionEnd: true,
	}, false)
	if err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}
	if f.gen.lastTier != models.TierFast {
		t.Errorf("ineligible caller tier = %q, want fast", f.gen.lastTier)
	}
}

// ─── Analysis ────────────────────────────────────────────────

func TestAnalysisMergedAndDisplayed(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())
	f.gen.analysis = &models.PartialAnalysis{
		EmotionalState: &models.EmotionalState{Primary: "anxiety", Intensity: 0.7},
		Biases:         []models.Bias{{Name: "catastrophizing", Confidence: 0.8}},
	}

	first := sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "turn one"})
	sendTurn(t, f, models.TurnRequest{UserID: "u1", ConversationID: first.ConversationID, Text: "turn two"})
	resp := sendTurn(t, f, models.TurnRequest{UserID: "u1", ConversationID: first.ConversationID, Text: "turn three"})

	// Six messages stored by now, past the analysis threshold.
	if resp.Analysis == nil {
		t.Fatalf("Analysis = nil, want the merged record")
	}
	if len(resp.Analysis.Biases) != 1 || resp.Analysis.Biases[0].Name != "catastrophizing" {
		t.Errorf("Analysis.Biases = %v", resp.Analysis.Biases)
	}

	record, err := f.store.GetAnalysis(context.Background(), first.ConversationID)
	if err != nil {
		t.Fatalf("GetAnalysis() error = %v", err)
	}
	if record.EmotionalState.Primary != "anxiety" {
		t.Errorf("stored EmotionalState.Primary = %q, want anxiety", record.EmotionalState.Primary)
	}
}

func TestLowConfidenceAnalysisSuppressed(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())
	f.gen.analysis = &models.PartialAnalysis{
		EmotionalState: &models.EmotionalState{Primary: "calm", Intensity: 0.2},
		Biases:         []models.Bias{{Name: "mind-reading", Confidence: 0.1}},
	}

	first := sendTurn(t, f, models.TurnRequest{UserID: "u1", Text: "turn one"})
	sendTurn(t, f, models.TurnRequest{UserID: "u1", ConversationID: first.ConversationID, Text: "turn two"})
	resp := sendTurn(t, f, models.TurnRequest{UserID: "u1", ConversationID: first.ConversationID, Text: "turn three"})

	if resp.Analysis != nil {
		t.Errorf("Analysis = %+v, want suppressed below the confidence floor", resp.Analysis)
	}
	// The record itself is still stored.
	if _, err := f.store.GetAnalysis(context.Background(), first.ConversationID); err != nil {
		t.Errorf("GetAnalysis() error = %v, want stored record", err)
	}
}

// ─── Streaming ───────────────────────────────────────────────

func TestSendTurnStreamForwardsDeltas(t *testing.T) {
	f := newFixture(t, orchestrator.DefaultConfig())

	deltas := make(chan string, 8)
	var received []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range deltas {
			received = append(received, d)
		}
	}()

	resp, err := f.orch.SendTurnStream(context.Background(), models.TurnRequest{UserID: "u1", Text: "Hello"}, true, deltas)
	<-done
	if err != nil {
		t.Fatalf("SendTurnStream() error = %v", err)
	}
	if strings.Join(received, "") != resp.ReplyText {
		t.Errorf("streamed %q, response %q", strings.Join(received, ""), resp.ReplyText)
	}
}

// ctxGuardStore rejects writes once the request context is canceled,
// the way a database-backed store does.
type ctxGuardStore struct {
	store.Store
}

func (s *ctxGuardStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.AppendMessage(ctx, msg)
}

func (s *ctxGuardStore) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.UpdateConversation(ctx, conv)
}

func (s *ctxGuardStore) UpsertAnalysis(ctx context.Context, record *models.AnalysisRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.UpsertAnalysis(ctx, record)
}

// abortingGenerator simulates the caller disconnecting mid-stream: it
// cancels the request context, then hands back the accumulated partial
// text (or the stream error).
type abortingGenerator struct {
	cancel  context.CancelFunc
	partial string
	fail    bool
}

func (g *abortingGenerator) Generate(ctx context.Context, messages []models.ChatMessage, tier models.TierDecision) (*models.GenerationResult, error) {
	g.cancel()
	if g.fail {
		return nil, errors.New("stream interrupted")
	}
	return &models.GenerationResult{Text: g.partial, Partial: true}, nil
}

func (g *abortingGenerator) GenerateStream(ctx context.Context, messages []models.ChatMessage, tier models.TierDecision, deltas chan<- string) (*models.GenerationResult, error) {
	defer close(deltas)
	if g.partial != "" {
		deltas <- g.partial
	}
	return g.Generate(ctx, messages, tier)
}

func newAbortedFixture(t *testing.T, gen *abortingGenerator) (*store.MemoryStore, *orchestrator.Orchestrator) {
	t.Helper()

	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })

	patterns := safety.NewPatternClassifier()
	remote := safety.NewRemoteClassifier(cleanModeration{}, time.Second)
	orch := orchestrator.New(orchestrator.DefaultConfig(),
		&ctxGuardStore{Store: mem},
		safety.NewInputGate(patterns, remote),
		safety.NewOutputGate(patterns),
		gen,
		analysis.NewMerger(),
	)
	return mem, orch
}

func TestAbortedStreamStillPersistsPartialReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &abortingGenerator{cancel: cancel, partial: "I hear how heavy this has been for you"}
	mem, orch := newAbortedFixture(t, gen)

	deltas := make(chan string, 8)
	go func() {
		for range deltas {
		}
	}()

	resp, err := orch.SendTurnStream(ctx, models.TurnRequest{UserID: "u1", Text: "Today was hard"}, true, deltas)
	if err != nil {
		t.Fatalf("SendTurnStream() error = %v", err)
	}
	if resp.ReplyText != gen.partial {
		t.Errorf("ReplyText = %q, want the partial text", resp.ReplyText)
	}

	msgs, _ := mem.ListMessages(context.Background(), resp.ConversationID, 0)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want user message and partial reply", len(msgs))
	}
	if msgs[1].Content != gen.partial {
		t.Errorf("stored reply = %q, want the partial text", msgs[1].Content)
	}
}

func TestGenerationFailureApologySurvivesCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &abortingGenerator{cancel: cancel, fail: true}
	mem, orch := newAbortedFixture(t, gen)

	deltas := make(chan string, 8)
	go func() {
		for range deltas {
		}
	}()

	_, err := orch.SendTurnStream(ctx, models.TurnRequest{UserID: "u1", Text: "Hello"}, true, deltas)
	if _, ok := err.(*orchestrator.ErrGenerationUnavailable); !ok {
		t.Fatalf("error = %v, want *ErrGenerationUnavailable", err)
	}

	convs, _ := mem.ListConversations(context.Background(), "u1", 10)
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	msgs, _ := mem.ListMessages(context.Background(), convs[0].ID, 0)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want user message and apology", len(msgs))
	}
	if msgs[1].Content != orchestrator.GenerationApology {
		t.Errorf("stored reply = %q, want the apology", msgs[1].Content)
	}
}
