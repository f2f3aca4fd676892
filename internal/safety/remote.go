package safety

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solacehealth/solace/pkg/contracts"
	"github.com/solacehealth/solace/pkg/models"
)

// categoryLevels maps moderation model categories onto risk levels. The
// remote check adds nuance on top of the pattern classifier; it is not
// the backstop, so nothing here maps to RiskCrisis — crisis detection
// must not depend on a network call.
var categoryLevels = map[string]models.RiskLevel{
	"self-harm/intent":       models.RiskHigh,
	"self-harm/instructions": models.RiskHigh,
	"self-harm":              models.RiskModerate,
	"violence":               models.RiskModerate,
	"harassment/threatening": models.RiskModerate,
	"harassment":             models.RiskLow,
	"hate":                   models.RiskLow,
}

// categoryScoreThreshold is the minimum score for a category to count.
const categoryScoreThreshold = 0.5

// RemoteClassifier wraps the external moderation service with a hard
// deadline and the fail-open policy: on timeout, transport error, or
// malformed output it returns a safe Low verdict flagged CHECK_FAILED
// instead of an error. The pattern classifier is the safety backstop;
// remote unavailability must never block the conversation.
type RemoteClassifier struct {
	svc     contracts.ModerationService
	timeout time.Duration
}

// NewRemoteClassifier builds a remote classifier with the given call
// timeout. A zero timeout defaults to 3s.
func NewRemoteClassifier(svc contracts.ModerationService, timeout time.Duration) *RemoteClassifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RemoteClassifier{svc: svc, timeout: timeout}
}

// FailOpenVerdict is the verdict substituted when the remote check is
// unavailable: safe, Low, flagged for observability.
func FailOpenVerdict() models.SafetyVerdict {
	return models.NewVerdict(models.RiskLow, []string{FlagCheckFailed}, nil)
}

// Classify sends text to the moderation model and maps its categorical
// output to a verdict. Any failure degrades to FailOpenVerdict.
func (r *RemoteClassifier) Classify(ctx context.Context, text string, kind models.ContentKind) models.SafetyVerdict {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.svc.Moderate(ctx, text, kind)
	if err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("Remote safety check failed, failing open")
		return FailOpenVerdict()
	}
	return mapModeration(result)
}

func mapModeration(result *models.ModerationResult) models.SafetyVerdict {
	if result == nil {
		return FailOpenVerdict()
	}

	level := models.RiskNone
	var flags []string
	for category, score := range result.Categories {
		if score < categoryScoreThreshold {
			continue
		}
		catLevel, ok := categoryLevels[category]
		if !ok {
			continue
		}
		level = models.MaxRiskLevel(level, catLevel)
		flags = append(flags, FlagModerationFlagged)
	}

	// The model can flag content without a category we recognize.
	if result.Flagged && level == models.RiskNone {
		level = models.RiskLow
		flags = append(flags, FlagModerationFlagged)
	}

	return models.NewVerdict(level, flags, nil)
}
