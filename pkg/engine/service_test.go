package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

var testNow = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc, err := New(st, Options{})
	require.NoError(t, err)
	svc.WithClock(func() time.Time { return testNow })
	return svc, st
}

func basePermission(votingEnabled bool) *contracts.Permission {
	return &contracts.Permission{
		UserID:  "user-1",
		AgentID: "agent-1",
		Type:    contracts.PermissionTrade,
		Scope: contracts.Scope{
			MaxAmount:     1000,
			MaxPercentage: 0.1,
		},
		Conditions: []contracts.PermissionCondition{
			{
				ID:   "vol-30",
				Type: contracts.ConditionVolatilityThreshold,
				Parameters: contracts.ConditionParams{
					Threshold: 0.3,
				},
				IsActive: true,
			},
		},
		Metadata: contracts.Metadata{
			RiskLevel:              contracts.RiskMedium,
			CommunityVotingEnabled: votingEnabled,
			EscalationThreshold:    0.66,
		},
	}
}

func TestCreatePermissionImmediateGrant(t *testing.T) {
	svc, st := newTestService(t)

	created, err := svc.CreatePermission(context.Background(), basePermission(false))
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, contracts.StatusActive, created.Status)
	assert.Equal(t, testNow, created.GrantedAt)

	stored, err := st.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, stored.AuditLog, 1)
	assert.Equal(t, contracts.AuditGranted, stored.AuditLog[0].Action)
	assert.Equal(t, contracts.ActorUser, stored.AuditLog[0].TriggeredBy)

	require.NoError(t, svc.AuditLog().Verify())
	assert.Len(t, svc.AuditLog().ForPermission(created.ID), 1)
}

func TestCreatePermissionPendingUnderVoting(t *testing.T) {
	svc, st := newTestService(t)

	created, err := svc.CreatePermission(context.Background(), basePermission(true))
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, created.Status)

	stored, err := st.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, stored.AuditLog, 1)
	assert.Equal(t, contracts.AuditEscalated, stored.AuditLog[0].Action)
}

func TestCreatePermissionRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t)

	perm := basePermission(false)
	perm.Scope.MaxPercentage = 1.5
	_, err := svc.CreatePermission(context.Background(), perm)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestEvaluatePermissionEndToEnd(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePermission(ctx, basePermission(false))
	require.NoError(t, err)

	req := contracts.PermissionRequest{
		UserID:          "user-1",
		PermissionType:  contracts.PermissionTrade,
		RequestedAmount: 500,
		TokenAddress:    "0xabc",
		Action:          "buy",
	}

	calm := contracts.MarketCondition{Volatility: 0.25, Trend: contracts.TrendSideways}
	res, err := svc.EvaluatePermission(ctx, req, calm)
	require.NoError(t, err)
	assert.True(t, res.IsAllowed)
	assert.NotEmpty(t, res.DecisionHash)

	stressed := contracts.MarketCondition{Volatility: 0.35, Trend: contracts.TrendSideways}
	res, err = svc.EvaluatePermission(ctx, req, stressed)
	require.NoError(t, err)
	assert.False(t, res.IsAllowed)
	assert.Contains(t, res.TriggeredConditions, "vol-30")
}

func TestEvaluatePermissionNoCandidates(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.EvaluatePermission(context.Background(), contracts.PermissionRequest{
		UserID:          "nobody",
		PermissionType:  contracts.PermissionTrade,
		RequestedAmount: 10,
	}, contracts.MarketCondition{Volatility: 0.1})
	require.NoError(t, err)
	assert.False(t, res.IsAllowed)
	assert.Equal(t, contracts.RiskHigh, res.RiskLevel)
}

func TestUpdateConditions(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreatePermission(ctx, basePermission(false))
	require.NoError(t, err)

	updated, err := svc.UpdateConditions(ctx, created.ID, []contracts.PermissionCondition{
		{
			ID:   "vol-50",
			Type: contracts.ConditionVolatilityThreshold,
			Parameters: contracts.ConditionParams{
				Threshold: 0.5,
			},
			IsActive: true,
		},
	})
	require.NoError(t, err)
	require.Len(t, updated.Conditions, 1)
	assert.Equal(t, "vol-50", updated.Conditions[0].ID)

	stored, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, stored.AuditLog, 2)
	assert.Equal(t, contracts.AuditModified, stored.AuditLog[1].Action)
}

func TestUpdateConditionsTerminalRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreatePermission(ctx, basePermission(false))
	require.NoError(t, err)
	_, err = svc.RevokePermission(ctx, created.ID, "manual", contracts.ActorUser)
	require.NoError(t, err)

	_, err = svc.UpdateConditions(ctx, created.ID, nil)
	assert.ErrorIs(t, err, contracts.ErrStatusConflict)
}

func TestRevokePermission(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreatePermission(ctx, basePermission(false))
	require.NoError(t, err)

	revoked, err := svc.RevokePermission(ctx, created.ID, "user request", contracts.ActorUser)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRevoked, revoked.Status)

	stored, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRevoked, stored.Status)
	require.NotNil(t, stored.RevokedAt)
	require.Len(t, stored.AuditLog, 2)
	assert.Equal(t, contracts.ActorUser, stored.AuditLog[1].TriggeredBy)
	assert.Equal(t, "user request", stored.AuditLog[1].Reason)

	// Second revoke is a status conflict, not a silent success.
	_, err = svc.RevokePermission(ctx, created.ID, "again", contracts.ActorUser)
	assert.ErrorIs(t, err, contracts.ErrStatusConflict)
}

func TestRevokePermissionNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RevokePermission(context.Background(), "missing", "reason", contracts.ActorUser)
	assert.True(t, IsNotFound(err))
}

func TestCommunityVoteGrantFlow(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreatePermission(ctx, basePermission(true))
	require.NoError(t, err)
	require.Equal(t, contracts.StatusPending, created.Status)

	votes := []contracts.CommunityVote{
		{Voter: "alice", Vote: contracts.VoteApprove},
		{Voter: "bob", Vote: contracts.VoteApprove},
		{Voter: "carol", Vote: contracts.VoteReject},
	}
	var last contracts.PermissionStatus
	for _, v := range votes {
		res, err := svc.AddCommunityVote(ctx, created.ID, v)
		require.NoError(t, err)
		last = res.Permission.Status
	}
	assert.Equal(t, contracts.StatusActive, last)

	stored, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusActive, stored.Status)
	require.NoError(t, svc.AuditLog().Verify())
}

func TestCommunityVoteRejectFlow(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreatePermission(ctx, basePermission(true))
	require.NoError(t, err)

	votes := []contracts.CommunityVote{
		{Voter: "alice", Vote: contracts.VoteReject},
		{Voter: "bob", Vote: contracts.VoteReject},
		{Voter: "carol", Vote: contracts.VoteApprove},
	}
	for _, v := range votes {
		_, err := svc.AddCommunityVote(ctx, created.ID, v)
		require.NoError(t, err)
	}

	stored, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRevoked, stored.Status)

	var revocation *contracts.AuditEntry
	for i := range stored.AuditLog {
		if stored.AuditLog[i].Action == contracts.AuditRevoked {
			revocation = &stored.AuditLog[i]
		}
	}
	require.NotNil(t, revocation)
	assert.Equal(t, "Community rejected the permission", revocation.Reason)
}

func TestCommunityVoteDisabled(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreatePermission(ctx, basePermission(false))
	require.NoError(t, err)

	_, err = svc.AddCommunityVote(ctx, created.ID, contracts.CommunityVote{
		Voter: "alice", Vote: contracts.VoteApprove,
	})
	assert.ErrorIs(t, err, contracts.ErrVotingDisabled)
}

func TestSweepThroughService(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreatePermission(ctx, basePermission(false))
	require.NoError(t, err)

	report, err := svc.Sweep(ctx, contracts.MarketCondition{Volatility: 0.61})
	require.NoError(t, err)
	assert.Equal(t, 1, report.RevokedCount)

	stored, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRevoked, stored.Status)

	// Sweep transitions land in the chained log via the observer hook.
	records := svc.AuditLog().ForPermission(created.ID)
	require.NoError(t, svc.AuditLog().Verify())
	assert.Len(t, records, 2)
}

func TestRevokedPermissionStaysRevokedAfterVotes(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreatePermission(ctx, basePermission(true))
	require.NoError(t, err)

	// Revoke directly, then pile on approvals.
	_, err = svc.RevokePermission(ctx, created.ID, "manual", contracts.ActorUser)
	require.NoError(t, err)

	for _, voter := range []string{"alice", "bob", "carol", "dave"} {
		_, err := svc.AddCommunityVote(ctx, created.ID, contracts.CommunityVote{
			Voter: voter, Vote: contracts.VoteApprove,
		})
		assert.ErrorIs(t, err, contracts.ErrStatusConflict)
	}

	stored, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRevoked, stored.Status)
	assert.Empty(t, stored.Metadata.Votes, "rejected votes leave no trace in the tally")
}
