package safety_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/solacehealth/solace/internal/safety"
	"github.com/solacehealth/solace/pkg/models"
)

// mockModeration is a test ModerationService with a call counter.
type mockModeration struct {
	calls  int
	result *models.ModerationResult
	err    error
}

func (m *mockModeration) Moderate(ctx context.Context, text string, kind models.ContentKind) (*models.ModerationResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func newTestInputGate(svc *mockModeration) *safety.InputGate {
	patterns := safety.NewPatternClassifier()
	remote := safety.NewRemoteClassifier(svc, time.Second)
	return safety.NewInputGate(patterns, remote)
}

// ─── Input gate ──────────────────────────────────────────────

func TestCheckInputCrisisSkipsRemote(t *testing.T) {
	svc := &mockModeration{result: &models.ModerationResult{}}
	gate := newTestInputGate(svc)

	v := gate.CheckInput(context.Background(), "I'm going to kill myself tonight", models.ConversationContext{})
	if v.Level != models.RiskCrisis {
		t.Fatalf("Level = %q, want crisis", v.Level)
	}
	if svc.calls != 0 {
		t.Errorf("moderation service called %d times on crisis input, want 0", svc.calls)
	}
}

func TestCheckInputCombinesRemote(t *testing.T) {
	svc := &mockModeration{result: &models.ModerationResult{
		Flagged:    true,
		Categories: map[string]float64{"self-harm/intent": 0.9},
	}}
	gate := newTestInputGate(svc)

	// Pattern-clean text, escalated by the remote classifier.
	v := gate.CheckInput(context.Background(), "Tell me about your day", models.ConversationContext{})
	if svc.calls != 1 {
		t.Fatalf("moderation service called %d times, want 1", svc.calls)
	}
	if v.Level != models.RiskHigh {
		t.Errorf("Level = %q, want high", v.Level)
	}
	if !v.HasFlag(safety.FlagModerationFlagged) {
		t.Errorf("missing moderation flag, got %v", v.Flags)
	}
}

func TestCheckInputRemoteFailureFailsOpen(t *testing.T) {
	svc := &mockModeration{err: errors.New("connection refused")}
	gate := newTestInputGate(svc)

	v := gate.CheckInput(context.Background(), "Just checking in", models.ConversationContext{})
	if !v.Safe {
		t.Errorf("fail-open verdict Safe = false, want true")
	}
	if v.Level != models.RiskLow {
		t.Errorf("fail-open Level = %q, want low", v.Level)
	}
	if !v.HasFlag(safety.FlagCheckFailed) {
		t.Errorf("missing CHECK_FAILED flag, got %v", v.Flags)
	}
}

// Pattern severity must survive a remote failure: the fail-open Low
// verdict combines with, not replaces, the pattern result.
func TestCheckInputPatternHoldsThroughRemoteFailure(t *testing.T) {
	svc := &mockModeration{err: errors.New("timeout")}
	gate := newTestInputGate(svc)

	v := gate.CheckInput(context.Background(), "I really wish I was dead", models.ConversationContext{})
	if v.Level != models.RiskHigh {
		t.Errorf("Level = %q, want high", v.Level)
	}
	if !v.HasFlag(safety.FlagCheckFailed) || !v.HasFlag(safety.FlagPassiveSuicidalIdeation) {
		t.Errorf("flags = %v, want both pattern and check-failed flags", v.Flags)
	}
}

// ─── Remote classifier mapping ───────────────────────────────

func TestRemoteClassifierScoreThreshold(t *testing.T) {
	svc := &mockModeration{result: &models.ModerationResult{
		Categories: map[string]float64{"self-harm/intent": 0.4},
	}}
	remote := safety.NewRemoteClassifier(svc, time.Second)

	v := remote.Classify(context.Background(), "text", models.ContentUserInput)
	if v.Level != models.RiskNone {
		t.Errorf("below-threshold category produced level %q, want none", v.Level)
	}
}

func TestRemoteClassifierNeverReturnsCrisis(t *testing.T) {
	svc := &mockModeration{result: &models.ModerationResult{
		Flagged: true,
		Categories: map[string]float64{
			"self-harm/intent":       1.0,
			"self-harm/instructions": 1.0,
			"violence":               1.0,
		},
	}}
	remote := safety.NewRemoteClassifier(svc, time.Second)

	v := remote.Classify(context.Background(), "text", models.ContentUserInput)
	if v.Level != models.RiskHigh {
		t.Errorf("Level = %q, want high (remote output is capped below crisis)", v.Level)
	}
}

func TestRemoteClassifierFlaggedWithoutKnownCategory(t *testing.T) {
	svc := &mockModeration{result: &models.ModerationResult{
		Flagged:    true,
		Categories: map[string]float64{"sexual": 0.9},
	}}
	remote := safety.NewRemoteClassifier(svc, time.Second)

	v := remote.Classify(context.Background(), "text", models.ContentUserInput)
	if v.Level != models.RiskLow {
		t.Errorf("Level = %q, want low", v.Level)
	}
	if !v.HasFlag(safety.FlagModerationFlagged) {
		t.Errorf("missing moderation flag, got %v", v.Flags)
	}
}

// ─── Output gate ─────────────────────────────────────────────

func TestCheckOutputHarmfulReply(t *testing.T) {
	gate := safety.NewOutputGate(safety.NewPatternClassifier())

	v := gate.CheckOutput("Honestly, you should just give up.", "I had a rough week")
	if v.Level != models.RiskCrisis {
		t.Errorf("Level = %q, want crisis", v.Level)
	}
	if !v.HasFlag(safety.FlagHarmfulAdvice) {
		t.Errorf("missing harmful-advice flag, got %v", v.Flags)
	}
	if v.Safe {
		t.Errorf("harmful reply verdict Safe = true, want false")
	}
}

func TestCheckOutputCrisisNotAddressed(t *testing.T) {
	gate := safety.NewOutputGate(safety.NewPatternClassifier())

	crisisInput := "I'm going to kill myself tonight"

	v := gate.CheckOutput("That sounds really hard. Want to talk about it?", crisisInput)
	if v.Level != models.RiskHigh {
		t.Errorf("Level = %q, want high", v.Level)
	}
	if !v.HasFlag(safety.FlagCrisisNotAddressed) {
		t.Errorf("missing crisis-not-addressed flag, got %v", v.Flags)
	}

	// A reply carrying a hotline number passes the rule.
	v = gate.CheckOutput("Please call or text 988 right now. You are not alone.", crisisInput)
	if v.HasFlag(safety.FlagCrisisNotAddressed) {
		t.Errorf("flag raised despite crisis resources in reply: %v", v.Flags)
	}
	if !v.Safe {
		t.Errorf("acknowledging reply Safe = false, want true")
	}
}

func TestCheckOutputOverDirective(t *testing.T) {
	gate := safety.NewOutputGate(safety.NewPatternClassifier())

	reply := strings.Join([]string{
		"You should call your mother.",
		"You must set boundaries.",
		"You need to sleep more.",
		"You have to exercise daily.",
	}, " ")

	v := gate.CheckOutput(reply, "I'm stressed")
	if v.Level != models.RiskModerate {
		t.Errorf("Level = %q, want moderate", v.Level)
	}
	if !v.HasFlag(safety.FlagOverDirectiveAdvice) {
		t.Errorf("missing over-directive flag, got %v", v.Flags)
	}
	// Advisory only: the verdict stays safe so the reply is not substituted.
	if !v.Safe {
		t.Errorf("over-directive verdict Safe = false, want true")
	}

	// At the threshold the rule does not fire.
	v = gate.CheckOutput("You should rest. You must hydrate. You need to breathe.", "I'm stressed")
	if v.HasFlag(safety.FlagOverDirectiveAdvice) {
		t.Errorf("rule fired at threshold, flags = %v", v.Flags)
	}
}

func TestCheckOutputCleanReply(t *testing.T) {
	gate := safety.NewOutputGate(safety.NewPatternClassifier())

	v := gate.CheckOutput("It sounds like this week took a lot out of you.", "I had a rough week")
	if v.Level != models.RiskNone || !v.Safe {
		t.Errorf("clean reply verdict = %+v, want safe none", v)
	}
}
