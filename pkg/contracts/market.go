package contracts

import "time"

// MarketTrend classifies the broad direction of the market snapshot.
type MarketTrend string

const (
	TrendBullish  MarketTrend = "bullish"
	TrendBearish  MarketTrend = "bearish"
	TrendSideways MarketTrend = "sideways"
)

// MarketCondition is an ephemeral snapshot of live market state. Producing
// it is the collaborator's job; the engine only reads it.
type MarketCondition struct {
	Volatility float64     `json:"volatility"` // annualized fraction, >= 0
	Trend      MarketTrend `json:"trend"`
	Volume     float64     `json:"volume"`
	Liquidity  float64     `json:"liquidity"`
	Timestamp  time.Time   `json:"timestamp"`
}

// PermissionRequest is a single proposed agent action. It is ephemeral:
// the engine evaluates it and never persists it.
type PermissionRequest struct {
	UserID          string         `json:"user_id"`
	PermissionType  PermissionType `json:"permission_type"`
	RequestedAmount float64        `json:"requested_amount"` // USD-equivalent
	TokenAddress    string         `json:"token_address"`
	Action          string         `json:"action"`
}

// ActionEmergency marks a request that always escalates to community vote.
const ActionEmergency = "emergency"

// EvaluationResult is the engine's verdict on a single request. Denials are
// ordinary data, not errors; Reason is always human readable.
type EvaluationResult struct {
	IsAllowed             bool      `json:"is_allowed"`
	Reason                string    `json:"reason,omitempty"`
	TriggeredConditions   []string  `json:"triggered_conditions,omitempty"`
	RequiresCommunityVote bool      `json:"requires_community_vote"`
	RiskLevel             RiskLevel `json:"risk_level"`
	// DecisionHash is the SHA-256 of the JCS-canonical decision, bound into
	// audit records so a decision can be matched to its record later.
	DecisionHash string `json:"decision_hash,omitempty"`
}
