package notify

import (
	"math"
	"time"

	"fleetalerts/internal/model"
)

const (
	maxDurationBonus = 0.4
	bonusRampUp      = 5 * time.Minute
	spikeWindow      = time.Minute
	lingerAfter      = 5 * time.Minute
)

const (
	BadgeEscalation = "escalation"
	BadgeNew        = "new"
	BadgePersistent = "persistent"
	BadgeExisting   = "existing"

	TrendSpiking    = "spiking"
	TrendPersistent = "persistent"
	TrendLingering  = "lingering"
	TrendStable     = "stable"
)

// VisualImpact tells a dashboard how prominently to render an alert state.
type VisualImpact struct {
	ColorIntensity float64 `json:"color_intensity"`
	Badge          string  `json:"badge"`
	Trend          string  `json:"trend"`
}

func baseIntensity(sev model.Severity) float64 {
	switch sev {
	case model.SeverityCritical:
		return 1.0
	case model.SeverityWarning:
		return 0.6
	case model.SeverityInfo:
		return 0.3
	}
	return 0.3
}

// ComputeImpact derives the payload from state alone, so equal inputs always
// render the same way.
func ComputeImpact(st State, tr Transition, now time.Time) VisualImpact {
	open := now.Sub(st.FirstSeen)
	if open < 0 {
		open = 0
	}
	bonus := maxDurationBonus * float64(open) / float64(bonusRampUp)
	bonus = math.Min(bonus, maxDurationBonus)
	intensity := math.Min(baseIntensity(st.Severity)+bonus, 1.0)

	return VisualImpact{
		ColorIntensity: math.Round(intensity*1000) / 1000,
		Badge:          badgeFor(tr),
		Trend:          trendFor(st, open),
	}
}

func badgeFor(tr Transition) string {
	switch tr {
	case TransitionEscalation:
		return BadgeEscalation
	case TransitionNew:
		return BadgeNew
	case TransitionPersistent:
		return BadgePersistent
	}
	return BadgeExisting
}

func trendFor(st State, open time.Duration) string {
	switch {
	case st.Count > 5 && open < spikeWindow:
		return TrendSpiking
	case st.Count > 10:
		return TrendPersistent
	case open > lingerAfter:
		return TrendLingering
	}
	return TrendStable
}
