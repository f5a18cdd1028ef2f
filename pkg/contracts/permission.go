// Package contracts defines the shared data model of the delegated-authority
// engine: scoped permissions granted by a wallet owner to an autonomous agent,
// the market-aware conditions that bound them, and the audit records every
// state transition leaves behind.
package contracts

import (
	"fmt"
	"time"
)

// PermissionType categorizes what class of action a permission delegates.
type PermissionType string

const (
	PermissionTrade         PermissionType = "trade"
	PermissionRebalance     PermissionType = "rebalance"
	PermissionYieldOptimize PermissionType = "yield_optimize"
	PermissionDCA           PermissionType = "dca"
	PermissionEmergency     PermissionType = "emergency"
)

// PermissionStatus is the lifecycle state of a permission.
//
// Transitions are monotonic: PENDING→ACTIVE, ACTIVE→REVOKED, ACTIVE→EXPIRED,
// PENDING→REVOKED. A revoked or expired permission is never reopened; the
// principal must create a new one.
type PermissionStatus string

const (
	StatusPending PermissionStatus = "PENDING"
	StatusActive  PermissionStatus = "ACTIVE"
	StatusRevoked PermissionStatus = "REVOKED"
	StatusExpired PermissionStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s PermissionStatus) Terminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// RiskLevel grades the risk attached to a decision or condition outcome.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

var riskRank = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}

// MaxRiskLevel returns the higher of two risk levels (high > medium > low).
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// TimeWindow restricts a permission to certain days and a daily minute range.
// Start and End are "HH:MM" wall-clock strings, inclusive on both ends.
// A window with Start > End wraps past midnight.
type TimeWindow struct {
	Days  []int  `json:"days"` // 0=Sunday .. 6=Saturday
	Start string `json:"start"`
	End   string `json:"end"`
}

// Scope is the hard ceiling bounding a permission regardless of market
// conditions: amount, portfolio fraction, schedule, and token set.
type Scope struct {
	MaxAmount         float64      `json:"max_amount"`
	MaxPercentage     float64      `json:"max_percentage"` // fraction of portfolio, [0,1]
	TimeWindows       []TimeWindow `json:"time_windows,omitempty"`
	AllowedTokens     []string     `json:"allowed_tokens,omitempty"`
	BlacklistedTokens []string     `json:"blacklisted_tokens,omitempty"`
}

// Metadata carries governance settings and the community vote tally.
// Votes are owned by the consensus engine; no other component appends to them.
type Metadata struct {
	RiskLevel              RiskLevel       `json:"risk_level"`
	CommunityVotingEnabled bool            `json:"community_voting_enabled"`
	EscalationThreshold    float64         `json:"escalation_threshold"` // approval-rate threshold, [0,1]
	Votes                  []CommunityVote `json:"votes,omitempty"`
}

// Permission is a delegated grant from a principal (UserID) to an agent.
type Permission struct {
	ID         string                `json:"id"`
	UserID     string                `json:"user_id"`
	AgentID    string                `json:"agent_id"`
	Type       PermissionType        `json:"type"`
	Scope      Scope                 `json:"scope"`
	Conditions []PermissionCondition `json:"conditions,omitempty"`
	Status     PermissionStatus      `json:"status"`
	Metadata   Metadata              `json:"metadata"`
	GrantedAt  time.Time             `json:"granted_at"`
	RevokedAt  *time.Time            `json:"revoked_at,omitempty"`
	ExpiresAt  *time.Time            `json:"expires_at,omitempty"`
	AuditLog   []AuditEntry          `json:"audit_log,omitempty"`
}

// Validate checks the structural invariants of a permission document.
// It is called at creation time; a permission that fails validation is
// never persisted.
func (p *Permission) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if p.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrValidation)
	}
	switch p.Type {
	case PermissionTrade, PermissionRebalance, PermissionYieldOptimize, PermissionDCA, PermissionEmergency:
	default:
		return fmt.Errorf("%w: unknown permission type %q", ErrValidation, p.Type)
	}
	if p.Scope.MaxPercentage < 0 || p.Scope.MaxPercentage > 1 {
		return fmt.Errorf("%w: scope.max_percentage %v outside [0,1]", ErrValidation, p.Scope.MaxPercentage)
	}
	if p.Scope.MaxAmount < 0 {
		return fmt.Errorf("%w: scope.max_amount must be non-negative", ErrValidation)
	}
	for _, w := range p.Scope.TimeWindows {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	if p.Metadata.EscalationThreshold < 0 || p.Metadata.EscalationThreshold > 1 {
		return fmt.Errorf("%w: metadata.escalation_threshold %v outside [0,1]", ErrValidation, p.Metadata.EscalationThreshold)
	}
	seen := make(map[string]bool, len(p.Conditions))
	for _, c := range p.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate condition id %q", ErrValidation, c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// Validate checks day-set membership and HH:MM format.
func (w TimeWindow) Validate() error {
	if len(w.Days) == 0 {
		return fmt.Errorf("%w: time window needs at least one day", ErrValidation)
	}
	for _, d := range w.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: time window day %d outside 0..6", ErrValidation, d)
		}
	}
	if _, err := ParseClock(w.Start); err != nil {
		return fmt.Errorf("%w: time window start %q: %v", ErrValidation, w.Start, err)
	}
	if _, err := ParseClock(w.End); err != nil {
		return fmt.Errorf("%w: time window end %q: %v", ErrValidation, w.End, err)
	}
	return nil
}

// ParseClock parses an "HH:MM" string into minutes since midnight.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("not HH:MM: %v", err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range")
	}
	return h*60 + m, nil
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate shared state behind the engine's back.
func (p *Permission) Clone() *Permission {
	cp := *p
	cp.Conditions = append([]PermissionCondition(nil), p.Conditions...)
	cp.Scope.TimeWindows = append([]TimeWindow(nil), p.Scope.TimeWindows...)
	cp.Scope.AllowedTokens = append([]string(nil), p.Scope.AllowedTokens...)
	cp.Scope.BlacklistedTokens = append([]string(nil), p.Scope.BlacklistedTokens...)
	cp.Metadata.Votes = append([]CommunityVote(nil), p.Metadata.Votes...)
	cp.AuditLog = append([]AuditEntry(nil), p.AuditLog...)
	if p.RevokedAt != nil {
		t := *p.RevokedAt
		cp.RevokedAt = &t
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
