package contracts

import "time"

// AuditAction is the kind of lifecycle event an audit entry records.
type AuditAction string

const (
	AuditGranted   AuditAction = "granted"
	AuditModified  AuditAction = "modified"
	AuditRevoked   AuditAction = "revoked"
	AuditEscalated AuditAction = "escalated"
)

// Actor identifies who caused a transition.
type Actor string

const (
	ActorUser      Actor = "user"
	ActorSystem    Actor = "system"
	ActorCommunity Actor = "community"
	ActorAI        Actor = "ai"
)

// AuditEntry records one state transition. The audit log is append-only:
// entries are never mutated or removed, and their timestamps are
// non-decreasing in the order transitions took effect.
type AuditEntry struct {
	Action      AuditAction `json:"action"`
	Details     string      `json:"details,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	TriggeredBy Actor       `json:"triggered_by"`
	Reason      string      `json:"reason,omitempty"`
}

// VoteChoice is a community voter's verdict.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
)

// CommunityVote is one voter's submission on an escalated permission.
// A voter has at most one live vote per permission; resubmission replaces
// the earlier vote.
type CommunityVote struct {
	Voter     string     `json:"voter"`
	Vote      VoteChoice `json:"vote"`
	Reasoning string     `json:"reasoning,omitempty"`
	Stake     float64    `json:"stake,omitempty"` // recorded, not weighted
	Timestamp time.Time  `json:"timestamp"`
}
