package safety

import "github.com/solacehealth/solace/pkg/models"

// Combine merges two verdicts. The resulting level is the maximum under
// the risk total order, flags and recommendations are set-unions, and
// Safe/RequiresIntervention are re-derived from the merged level rather
// than copied from either input, keeping the verdict invariant airtight.
func Combine(a, b models.SafetyVerdict) models.SafetyVerdict {
	level := models.MaxRiskLevel(a.Level, b.Level)
	flags := append(append([]string{}, a.Flags...), b.Flags...)
	recs := append(append([]string{}, a.Recommendations...), b.Recommendations...)
	return models.NewVerdict(level, flags, recs)
}
