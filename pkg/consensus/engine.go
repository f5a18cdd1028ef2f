// Package consensus resolves escalated permissions by community vote. It is
// the only writer of a permission's vote tally: appends are serialized per
// permission so concurrent voters can never drop each other's entries.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// DefaultQuorum is the minimum number of votes before consensus can be
// declared in either direction.
const DefaultQuorum = 3

// VoteResult is the outcome of recording one vote.
type VoteResult struct {
	Permission       *contracts.Permission `json:"permission"`
	ConsensusReached bool                  `json:"consensus_reached"`
}

// Engine accumulates community votes and applies grant/reject transitions
// once quorum and the approval threshold are met.
type Engine struct {
	store  store.PermissionStore
	clock  func() time.Time
	quorum int
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-permission vote serialization
}

// NewEngine creates a consensus engine with the default quorum.
func NewEngine(st store.PermissionStore) *Engine {
	return &Engine{
		store:  st,
		clock:  time.Now,
		quorum: DefaultQuorum,
		logger: slog.Default().With("component", "consensus"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithQuorum overrides the minimum vote count, typically from a risk
// profile. Values below 1 are ignored.
func (e *Engine) WithQuorum(quorum int) *Engine {
	if quorum >= 1 {
		e.quorum = quorum
	}
	return e
}

// AddVote records one vote for an escalated permission. A voter's
// resubmission replaces their earlier vote. When quorum is met and the
// approval rate crosses the permission's escalation threshold in either
// direction, the status transition is applied through the store's CAS and
// audited. Votes on revoked or expired permissions are rejected with
// ErrStatusConflict: the vote could never change the outcome, so recording
// it would only mutate a closed record.
func (e *Engine) AddVote(ctx context.Context, permissionID string, vote contracts.CommunityVote) (*VoteResult, error) {
	lock := e.lockFor(permissionID)
	lock.Lock()
	defer lock.Unlock()

	perm, err := e.store.Get(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	if !perm.Metadata.CommunityVotingEnabled {
		return nil, fmt.Errorf("%w: %s", contracts.ErrVotingDisabled, permissionID)
	}
	if perm.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s, voting closed", contracts.ErrStatusConflict, permissionID, perm.Status)
	}

	now := e.clock()
	if vote.Timestamp.IsZero() {
		vote.Timestamp = now
	}

	votes := replaceVote(perm.Metadata.Votes, vote)
	if err := e.store.ReplaceVotes(ctx, permissionID, votes); err != nil {
		return nil, err
	}
	perm.Metadata.Votes = votes

	if err := e.store.AppendAudit(ctx, permissionID, contracts.AuditEntry{
		Action:      contracts.AuditModified,
		Details:     fmt.Sprintf("community vote recorded: %s voted %s (%d total)", vote.Voter, vote.Vote, len(votes)),
		Timestamp:   now,
		TriggeredBy: contracts.ActorCommunity,
	}); err != nil {
		return nil, err
	}

	reached, approved := e.tally(votes, perm.Metadata.EscalationThreshold)
	if reached && !perm.Status.Terminal() {
		if err := e.applyConsensus(ctx, perm, approved, now); err != nil {
			return nil, err
		}
	}

	final, err := e.store.Get(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	return &VoteResult{Permission: final, ConsensusReached: reached}, nil
}

// tally reports whether consensus is reached and in which direction.
// Approval wins at rate >= threshold; rejection wins at rate <= 1-threshold.
func (e *Engine) tally(votes []contracts.CommunityVote, threshold float64) (reached, approved bool) {
	if len(votes) < e.quorum {
		return false, false
	}
	approvals := 0
	for _, v := range votes {
		if v.Vote == contracts.VoteApprove {
			approvals++
		}
	}
	rate := float64(approvals) / float64(len(votes))

	switch {
	case rate >= threshold:
		return true, true
	case rate <= 1-threshold:
		return true, false
	default:
		return false, false
	}
}

func (e *Engine) applyConsensus(ctx context.Context, perm *contracts.Permission, approved bool, now time.Time) error {
	if approved {
		err := e.store.CompareAndSetStatus(ctx, perm.ID, contracts.StatusPending, contracts.StatusActive, now)
		if err != nil {
			// already transitioned by another actor; consensus stands, transition is a no-op
			e.logger.WarnContext(ctx, "consensus grant skipped", "permission_id", perm.ID, "error", err)
			return nil
		}
		return e.store.AppendAudit(ctx, perm.ID, contracts.AuditEntry{
			Action:      contracts.AuditGranted,
			Details:     "community approved the permission",
			Timestamp:   now,
			TriggeredBy: contracts.ActorCommunity,
		})
	}

	err := e.store.CompareAndSetStatus(ctx, perm.ID, perm.Status, contracts.StatusRevoked, now)
	if err != nil {
		e.logger.WarnContext(ctx, "consensus rejection skipped", "permission_id", perm.ID, "error", err)
		return nil
	}
	return e.store.AppendAudit(ctx, perm.ID, contracts.AuditEntry{
		Action:      contracts.AuditRevoked,
		Details:     "community vote concluded",
		Reason:      "Community rejected the permission",
		Timestamp:   now,
		TriggeredBy: contracts.ActorCommunity,
	})
}

// replaceVote appends the vote, dropping any earlier vote from the same
// voter so each voter counts once.
func replaceVote(votes []contracts.CommunityVote, vote contracts.CommunityVote) []contracts.CommunityVote {
	out := make([]contracts.CommunityVote, 0, len(votes)+1)
	for _, v := range votes {
		if v.Voter != vote.Voter {
			out = append(out, v)
		}
	}
	return append(out, vote)
}

func (e *Engine) lockFor(permissionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[permissionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[permissionID] = lock
	}
	return lock
}
