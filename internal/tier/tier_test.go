package tier_test

import (
	"testing"

	"github.com/solacehealth/solace/internal/tier"
	"github.com/solacehealth/solace/pkg/models"
)

func TestRoute(t *testing.T) {
	cases := []struct {
		name string
		ctx  models.TierContext
		want models.TierDecision
	}{
		{"default is fast", models.TierContext{MessageCount: 1}, models.TierFast},
		{"session end forces deep", models.TierContext{MessageCount: 1, IsSessionEnd: true}, models.TierDeep},
		{"deep analysis request forces deep", models.TierContext{MessageCount: 2, RequiresDeepAnalysis: true}, models.TierDeep},
		{"complex emotional content forces deep", models.TierContext{MessageCount: 3, HasComplexEmotionalContent: true}, models.TierDeep},
		{"every fifth message is deep", models.TierContext{MessageCount: 5}, models.TierDeep},
		{"tenth message is deep", models.TierContext{MessageCount: 10}, models.TierDeep},
		{"fourth message is fast", models.TierContext{MessageCount: 4}, models.TierFast},
		{"sixth message is fast", models.TierContext{MessageCount: 6}, models.TierFast},
		{"message zero never samples deep", models.TierContext{MessageCount: 0}, models.TierFast},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tier.Route(tc.ctx); got != tc.want {
				t.Errorf("Route(%+v) = %q, want %q", tc.ctx, got, tc.want)
			}
		})
	}
}
