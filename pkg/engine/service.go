// Package engine is the facade over the permission lifecycle: creation,
// evaluation, condition updates, community voting, revocation, and the
// auto-revocation sweep. It owns no policy logic itself; it wires the
// store, the evaluator, the consensus engine, and the sweeper together
// and mirrors every lifecycle transition into the chained audit log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/audit"
	"github.com/mandatehq/mandate/pkg/conditions"
	"github.com/mandatehq/mandate/pkg/consensus"
	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/evaluator"
	"github.com/mandatehq/mandate/pkg/observability"
	"github.com/mandatehq/mandate/pkg/scope"
	"github.com/mandatehq/mandate/pkg/store"
	"github.com/mandatehq/mandate/pkg/sweeper"
)

// Options tunes the service. Zero values fall back to the balanced
// defaults used across the engine.
type Options struct {
	AmountThreshold     float64 // escalation amount ceiling
	VolatilityThreshold float64 // escalation volatility ceiling
	VolatilityHardStop  float64 // sweep revocation ceiling
	Quorum              int     // community vote quorum
	FrequencyChecker    scope.FrequencyChecker
	Telemetry           *observability.Provider
}

// Service coordinates the permission lifecycle. Construct one per process;
// all state lives in the injected store.
type Service struct {
	store     store.PermissionStore
	evaluator *evaluator.Evaluator
	consensus *consensus.Engine
	sweeper   *sweeper.Sweeper
	auditLog  *audit.Log
	telemetry *observability.Provider
	clock     func() time.Time
	logger    *slog.Logger
	newID     func() string
}

// New builds a Service around the given store.
func New(st store.PermissionStore, opts Options) (*Service, error) {
	conds, err := conditions.New()
	if err != nil {
		return nil, fmt.Errorf("build condition evaluator: %w", err)
	}

	freq := opts.FrequencyChecker
	if freq == nil {
		freq = scope.NoopChecker{}
	}

	eval := evaluator.New(scope.NewGuard(freq), conds)
	if opts.AmountThreshold > 0 && opts.VolatilityThreshold > 0 {
		eval = eval.WithEscalationThresholds(opts.AmountThreshold, opts.VolatilityThreshold)
	}

	cons := consensus.NewEngine(st)
	if opts.Quorum > 0 {
		cons = cons.WithQuorum(opts.Quorum)
	}

	sw := sweeper.New(st)
	if opts.VolatilityHardStop > 0 {
		sw = sw.WithHardStop(opts.VolatilityHardStop)
	}

	s := &Service{
		store:     st,
		evaluator: eval,
		consensus: cons,
		sweeper:   sw,
		auditLog:  audit.NewLog(),
		telemetry: opts.Telemetry,
		clock:     time.Now,
		logger:    slog.Default().With("component", "engine"),
		newID:     func() string { return uuid.NewString() },
	}
	sw.OnTransition(func(permissionID string, entry contracts.AuditEntry) {
		s.chainAudit(permissionID, entry)
		s.telemetry.RecordRevocation(context.Background(), string(entry.Action))
	})
	return s, nil
}

// WithClock overrides the clock on the service and every component it owns.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	s.evaluator.WithClock(clock)
	s.consensus.WithClock(clock)
	s.sweeper.WithClock(clock)
	return s
}

// WithIDGenerator overrides permission ID generation, for deterministic tests.
func (s *Service) WithIDGenerator(fn func() string) *Service {
	s.newID = fn
	return s
}

// AuditLog exposes the chained audit log for verification and subscribers.
func (s *Service) AuditLog() *audit.Log {
	return s.auditLog
}

// Sweeper exposes the sweeper so the daemon can run its interval loop.
func (s *Service) Sweeper() *sweeper.Sweeper {
	return s.sweeper
}

// CreatePermission validates and persists a new permission grant. When
// community voting is enabled the permission starts PENDING and waits for
// quorum; otherwise it is ACTIVE immediately.
func (s *Service) CreatePermission(ctx context.Context, perm *contracts.Permission) (*contracts.Permission, error) {
	if perm == nil {
		return nil, fmt.Errorf("%w: permission is nil", contracts.ErrValidation)
	}

	p := perm.Clone()
	if p.ID == "" {
		p.ID = s.newID()
	}
	now := s.clock()
	p.GrantedAt = now
	p.RevokedAt = nil

	if p.Metadata.CommunityVotingEnabled {
		p.Status = contracts.StatusPending
	} else {
		p.Status = contracts.StatusActive
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("persist permission: %w", err)
	}

	var entry contracts.AuditEntry
	if p.Metadata.CommunityVotingEnabled {
		entry = contracts.AuditEntry{
			Action:      contracts.AuditEscalated,
			Details:     fmt.Sprintf("permission %s awaiting community vote", p.ID),
			Timestamp:   now,
			TriggeredBy: contracts.ActorUser,
			Reason:      "community voting enabled",
		}
		s.telemetry.RecordEscalation(ctx, "community voting enabled")
	} else {
		entry = contracts.AuditEntry{
			Action:      contracts.AuditGranted,
			Details:     fmt.Sprintf("permission %s granted", p.ID),
			Timestamp:   now,
			TriggeredBy: contracts.ActorUser,
		}
		s.telemetry.RecordGrant(ctx)
	}
	if err := s.store.AppendAudit(ctx, p.ID, entry); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed", "permission_id", p.ID, "error", err)
	}
	s.chainAudit(p.ID, entry)

	s.logger.InfoContext(ctx, "permission created",
		"permission_id", p.ID, "user_id", p.UserID, "type", p.Type, "status", p.Status)
	return p, nil
}

// GetPermission returns one permission by ID.
func (s *Service) GetPermission(ctx context.Context, id string) (*contracts.Permission, error) {
	return s.store.Get(ctx, id)
}

// EvaluatePermission renders an allow/deny decision for the request against
// the user's active permissions of the requested type.
func (s *Service) EvaluatePermission(ctx context.Context, req contracts.PermissionRequest, market contracts.MarketCondition) (contracts.EvaluationResult, error) {
	start := s.clock()

	candidates, err := s.store.ListActive(ctx, req.UserID, req.PermissionType)
	if err != nil {
		return contracts.EvaluationResult{}, fmt.Errorf("list active permissions: %w", err)
	}

	result, err := s.evaluator.Evaluate(ctx, req, market, candidates)
	if err != nil {
		return contracts.EvaluationResult{}, err
	}

	s.telemetry.RecordEvaluateDuration(ctx, s.clock().Sub(start))
	s.telemetry.RecordDecision(ctx, result.IsAllowed, string(result.RiskLevel))
	if result.RequiresCommunityVote {
		s.telemetry.RecordEscalation(ctx, result.Reason)
	}

	s.logger.InfoContext(ctx, "permission evaluated",
		"user_id", req.UserID, "type", req.PermissionType,
		"allowed", result.IsAllowed, "risk", result.RiskLevel,
		"escalated", result.RequiresCommunityVote, "decision_hash", result.DecisionHash)
	return result, nil
}

// UpdateConditions replaces the condition set of a permission. Terminal
// permissions cannot be modified.
func (s *Service) UpdateConditions(ctx context.Context, id string, conds []contracts.PermissionCondition) (*contracts.Permission, error) {
	perm, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if perm.Status.Terminal() {
		return nil, fmt.Errorf("%w: permission %s is %s", contracts.ErrStatusConflict, id, perm.Status)
	}

	probe := perm.Clone()
	probe.Conditions = conds
	if err := probe.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.UpdateConditions(ctx, id, conds); err != nil {
		return nil, fmt.Errorf("update conditions: %w", err)
	}

	entry := contracts.AuditEntry{
		Action:      contracts.AuditModified,
		Details:     fmt.Sprintf("conditions replaced, %d active rules", countActive(conds)),
		Timestamp:   s.clock(),
		TriggeredBy: contracts.ActorUser,
	}
	if err := s.store.AppendAudit(ctx, id, entry); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed", "permission_id", id, "error", err)
	}
	s.chainAudit(id, entry)

	return s.store.Get(ctx, id)
}

// RevokePermission revokes a permission on behalf of the given actor.
// Revoking an already-terminal permission returns ErrStatusConflict.
func (s *Service) RevokePermission(ctx context.Context, id, reason string, triggeredBy contracts.Actor) (*contracts.Permission, error) {
	perm, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if perm.Status.Terminal() {
		return nil, fmt.Errorf("%w: permission %s is %s", contracts.ErrStatusConflict, id, perm.Status)
	}

	now := s.clock()
	if err := s.store.CompareAndSetStatus(ctx, id, perm.Status, contracts.StatusRevoked, now); err != nil {
		return nil, err
	}

	entry := contracts.AuditEntry{
		Action:      contracts.AuditRevoked,
		Details:     fmt.Sprintf("permission %s revoked", id),
		Timestamp:   now,
		TriggeredBy: triggeredBy,
		Reason:      reason,
	}
	if err := s.store.AppendAudit(ctx, id, entry); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed", "permission_id", id, "error", err)
	}
	s.chainAudit(id, entry)
	s.telemetry.RecordRevocation(ctx, string(triggeredBy))

	s.logger.InfoContext(ctx, "permission revoked",
		"permission_id", id, "reason", reason, "triggered_by", triggeredBy)
	return s.store.Get(ctx, id)
}

// AddCommunityVote records one community vote and applies the consensus
// transition if quorum and the approval threshold are reached.
func (s *Service) AddCommunityVote(ctx context.Context, permissionID string, vote contracts.CommunityVote) (*consensus.VoteResult, error) {
	result, err := s.consensus.AddVote(ctx, permissionID, vote)
	if err != nil {
		return nil, err
	}

	s.telemetry.RecordVote(ctx, string(vote.Vote))
	if result.ConsensusReached && result.Permission != nil {
		switch result.Permission.Status {
		case contracts.StatusActive:
			s.telemetry.RecordGrant(ctx)
			s.chainAudit(permissionID, contracts.AuditEntry{
				Action:      contracts.AuditGranted,
				Details:     "community approved the permission",
				Timestamp:   s.clock(),
				TriggeredBy: contracts.ActorCommunity,
			})
		case contracts.StatusRevoked:
			s.telemetry.RecordRevocation(ctx, "community")
			s.chainAudit(permissionID, contracts.AuditEntry{
				Action:      contracts.AuditRevoked,
				Details:     "community rejected the permission",
				Timestamp:   s.clock(),
				TriggeredBy: contracts.ActorCommunity,
				Reason:      "Community rejected the permission",
			})
		}
	}
	return result, nil
}

// Sweep runs one auto-revocation pass against the market snapshot.
func (s *Service) Sweep(ctx context.Context, market contracts.MarketCondition) (sweeper.Report, error) {
	return s.sweeper.Sweep(ctx, market)
}

// chainAudit mirrors an entry into the hash-chained log. Chain failures are
// logged, never propagated: the store row is the source of truth.
func (s *Service) chainAudit(permissionID string, entry contracts.AuditEntry) {
	if _, err := s.auditLog.Append(permissionID, entry); err != nil {
		s.logger.Error("audit chain append failed", "permission_id", permissionID, "error", err)
	}
}

func countActive(conds []contracts.PermissionCondition) int {
	n := 0
	for _, c := range conds {
		if c.IsActive {
			n++
		}
	}
	return n
}

// IsNotFound reports whether err means the permission does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, contracts.ErrPermissionNotFound)
}
