package safety_test

import (
	"testing"

	"github.com/solacehealth/solace/internal/safety"
	"github.com/solacehealth/solace/pkg/models"
)

func TestClassifyCrisis(t *testing.T) {
	c := safety.NewPatternClassifier()

	cases := []struct {
		text string
		flag string
	}{
		{"I'm going to kill myself tonight", safety.FlagSuicidalIdeationWithIntent},
		{"I've decided to end my life", safety.FlagSuicidalIdeationWithIntent},
		{"about to hurt myself again", safety.FlagImminentSelfHarm},
		{"this is goodbye, thank you for everything", safety.FlagFarewellMessage},
	}

	for _, tc := range cases {
		v := c.Classify(tc.text)
		if v.Level != models.RiskCrisis {
			t.Errorf("Classify(%q).Level = %q, want crisis", tc.text, v.Level)
		}
		if v.Safe {
			t.Errorf("Classify(%q).Safe = true, want false", tc.text)
		}
		if !v.RequiresIntervention {
			t.Errorf("Classify(%q).RequiresIntervention = false, want true", tc.text)
		}
		if !v.HasFlag(tc.flag) {
			t.Errorf("Classify(%q) missing flag %q, got %v", tc.text, tc.flag, v.Flags)
		}
	}
}

func TestClassifyHigh(t *testing.T) {
	c := safety.NewPatternClassifier()

	cases := []struct {
		text string
		flag string
	}{
		{"sometimes I wish I was dead", safety.FlagPassiveSuicidalIdeation},
		{"I don't want to wake up anymore", safety.FlagPassiveSuicidalIdeation},
		{"there's no point in living", safety.FlagSevereHopelessness},
		{"I have this urge to cut myself", safety.FlagSelfHarmUrge},
	}

	for _, tc := range cases {
		v := c.Classify(tc.text)
		if v.Level != models.RiskHigh {
			t.Errorf("Classify(%q).Level = %q, want high", tc.text, v.Level)
		}
		if !v.RequiresIntervention {
			t.Errorf("Classify(%q).RequiresIntervention = false, want true", tc.text)
		}
		if !v.HasFlag(tc.flag) {
			t.Errorf("Classify(%q) missing flag %q, got %v", tc.text, tc.flag, v.Flags)
		}
	}
}

func TestClassifyModerateAndLow(t *testing.T) {
	c := safety.NewPatternClassifier()

	v := c.Classify("I'm completely overwhelmed and can't cope")
	if v.Level != models.RiskModerate {
		t.Errorf("Level = %q, want moderate", v.Level)
	}
	if !v.Safe {
		t.Errorf("moderate verdict Safe = false, want true")
	}
	if v.RequiresIntervention {
		t.Errorf("moderate verdict RequiresIntervention = true, want false")
	}

	v = c.Classify("I've been feeling really sad lately and can't sleep")
	if v.Level != models.RiskLow {
		t.Errorf("Level = %q, want low", v.Level)
	}
	if !v.HasFlag(safety.FlagLowMood) || !v.HasFlag(safety.FlagSleepDisruption) {
		t.Errorf("expected both low-tier flags, got %v", v.Flags)
	}
}

func TestClassifyNoMatch(t *testing.T) {
	c := safety.NewPatternClassifier()

	v := c.Classify("What's a good recipe for banana bread?")
	if v.Level != models.RiskNone {
		t.Errorf("Level = %q, want none", v.Level)
	}
	if !v.Safe || v.RequiresIntervention {
		t.Errorf("neutral text verdict = %+v, want safe non-intervention", v)
	}
	if len(v.Flags) != 0 {
		t.Errorf("neutral text flags = %v, want none", v.Flags)
	}
}

// A message matching both a crisis rule and lower-tier rules must take
// the crisis level, and only crisis-tier flags.
func TestClassifyHighestTierWins(t *testing.T) {
	c := safety.NewPatternClassifier()

	v := c.Classify("I feel so hopeless, I'm going to end my life")
	if v.Level != models.RiskCrisis {
		t.Fatalf("Level = %q, want crisis", v.Level)
	}
	if !v.HasFlag(safety.FlagSuicidalIdeationWithIntent) {
		t.Errorf("missing crisis flag, got %v", v.Flags)
	}
	if v.HasFlag(safety.FlagLowMood) {
		t.Errorf("lower-tier flag leaked into crisis verdict: %v", v.Flags)
	}
}

func TestCombine(t *testing.T) {
	a := models.NewVerdict(models.RiskLow, []string{"A"}, nil)
	b := models.NewVerdict(models.RiskHigh, []string{"B"}, []string{"do something"})

	got := safety.Combine(a, b)
	if got.Level != models.RiskHigh {
		t.Errorf("Combine level = %q, want high", got.Level)
	}
	if !got.HasFlag("A") || !got.HasFlag("B") {
		t.Errorf("Combine flags = %v, want union", got.Flags)
	}
	if got.Safe {
		t.Errorf("Combine(low, high).Safe = true, want false")
	}
	if !got.RequiresIntervention {
		t.Errorf("Combine(low, high).RequiresIntervention = false, want true")
	}

	// Order must not matter.
	swapped := safety.Combine(b, a)
	if swapped.Level != got.Level || len(swapped.Flags) != len(got.Flags) {
		t.Errorf("Combine is not commutative: %+v vs %+v", got, swapped)
	}

	// Combining a verdict with itself must change nothing.
	same := safety.Combine(a, a)
	if same.Level != a.Level || len(same.Flags) != len(a.Flags) {
		t.Errorf("Combine(a, a) = %+v, want %+v", same, a)
	}
}
