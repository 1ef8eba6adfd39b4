package model

import "time"

// Dimension names the five behavioral axes the Reward Engine tracks.
type Dimension string

const (
	DimPolicyCompliance  Dimension = "policy_compliance"
	DimSecurityPosture   Dimension = "security_posture"
	DimOutputQuality     Dimension = "output_quality"
	DimResourceEfficiency Dimension = "resource_efficiency"
	DimCollaborationHealth Dimension = "collaboration_health"
)

// AllDimensions is the fixed, ordered set of dimensions every agent tracks.
var AllDimensions = []Dimension{
	DimPolicyCompliance,
	DimSecurityPosture,
	DimOutputQuality,
	DimResourceEfficiency,
	DimCollaborationHealth,
}

// DefaultWeights are the default dimension weights; they must sum to 1.0.
var DefaultWeights = map[Dimension]float64{
	DimPolicyCompliance:    0.25,
	DimSecurityPosture:     0.25,
	DimOutputQuality:       0.20,
	DimResourceEfficiency:  0.15,
	DimCollaborationHealth: 0.15,
}

// Tier is a symbolic classification of a composite trust score.
type Tier string

const (
	TierUntrusted        Tier = "untrusted"
	TierProbationary     Tier = "probationary"
	TierStandard         Tier = "standard"
	TierTrusted          Tier = "trusted"
	TierVerifiedPartner  Tier = "verified_partner"
)

// TierForScore classifies a 0-1000 composite score using the default
// threshold table.
func TierForScore(score int) Tier {
	switch {
	case score >= 900:
		return TierVerifiedPartner
	case score >= 700:
		return TierTrusted
	case score >= 500:
		return TierStandard
	case score >= 300:
		return TierProbationary
	default:
		return TierUntrusted
	}
}

// DimensionState holds one agent's running state for a single dimension.
type DimensionState struct {
	Dimension    Dimension `json:"dimension"`
	Score        float64   `json:"score"` // 0-100
	SignalCount  int       `json:"signal_count"`
	Positive     int       `json:"positive"`
	Negative     int       `json:"negative"`
	Trend        string    `json:"trend"` // "rising", "falling", "stable"
	LastSignalAt time.Time `json:"last_signal_at"`
}

// TrustScore is an agent's composite behavioral score and per-dimension
// breakdown.
type TrustScore struct {
	AgentDID      string                     `json:"agent_did"`
	TotalScore    int                        `json:"total_score"` // 0-1000
	Tier          Tier                       `json:"tier"`
	Dimensions    map[Dimension]DimensionState `json:"dimensions"`
	CalculatedAt  time.Time                  `json:"calculated_at"`
	PreviousScore int                        `json:"previous_score"`
	LastPositiveAt time.Time                 `json:"last_positive_at"`
}

// RewardSignal is one observation fed into a dimension's EMA.
type RewardSignal struct {
	AgentDID  string    `json:"agent_did"`
	Dimension Dimension `json:"dimension"`
	Value     float64   `json:"value"` // 0..1
	Source    string    `json:"source"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Weight    float64   `json:"weight,omitempty"` // reserved for future per-signal weighting
}

// ScoreExplanation is the output of Reward Engine's explainability endpoint.
type ScoreExplanation struct {
	AgentDID     string                       `json:"agent_did"`
	TotalScore   int                          `json:"total_score"`
	Tier         Tier                         `json:"tier"`
	Dimensions   map[Dimension]DimensionState `json:"dimensions"`
	Weights      map[Dimension]float64        `json:"weights"`
	Contribution map[Dimension]float64        `json:"contribution"` // dim.score * weight * 10
	Revoked      bool                         `json:"revoked"`
}
