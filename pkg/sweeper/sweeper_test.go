package sweeper

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func seedActive(t *testing.T, st *store.MemoryStore, id string, expiresAt *time.Time) {
	t.Helper()
	err := st.Create(context.Background(), &contracts.Permission{
		ID:      id,
		UserID:  "user-1",
		AgentID: "agent-1",
		Type:    contracts.PermissionTrade,
		Scope: contracts.Scope{
			MaxAmount:     1000,
			MaxPercentage: 0.1,
		},
		Status:    contracts.StatusActive,
		GrantedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
}

func TestSweepRevokesAboveHardStop(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	seedActive(t, st, "perm-a", nil)
	seedActive(t, st, "perm-b", nil)

	sw := New(st).WithClock(fixedClock(now))
	report, err := sw.Sweep(context.Background(), contracts.MarketCondition{Volatility: 0.61})
	require.NoError(t, err)

	assert.Equal(t, 2, report.RevokedCount)
	assert.ElementsMatch(t, []string{"perm-a", "perm-b"}, report.RevokedIDs)
	assert.Empty(t, report.ExpiredIDs)

	for _, id := range report.RevokedIDs {
		perm, err := st.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusRevoked, perm.Status)
		require.NotNil(t, perm.RevokedAt)
		assert.Equal(t, now, *perm.RevokedAt)
		require.Len(t, perm.AuditLog, 1)
		entry := perm.AuditLog[0]
		assert.Equal(t, contracts.AuditRevoked, entry.Action)
		assert.Equal(t, contracts.ActorSystem, entry.TriggeredBy)
		assert.Contains(t, entry.Reason, "0.61")
	}
}

func TestSweepLeavesPermissionsBelowHardStop(t *testing.T) {
	st := store.NewMemoryStore()
	seedActive(t, st, "perm-a", nil)

	sw := New(st)
	report, err := sw.Sweep(context.Background(), contracts.MarketCondition{Volatility: 0.59})
	require.NoError(t, err)
	assert.Zero(t, report.RevokedCount)

	perm, err := st.Get(context.Background(), "perm-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusActive, perm.Status)
	assert.Empty(t, perm.AuditLog)
}

func TestSweepHardStopBoundaryIsExclusive(t *testing.T) {
	st := store.NewMemoryStore()
	seedActive(t, st, "perm-a", nil)

	report, err := New(st).Sweep(context.Background(), contracts.MarketCondition{Volatility: DefaultVolatilityHardStop})
	require.NoError(t, err)
	assert.Zero(t, report.RevokedCount)
}

func TestSweepExpiresPastDeadline(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	seedActive(t, st, "perm-old", &past)
	seedActive(t, st, "perm-edge", &now)
	seedActive(t, st, "perm-live", &future)

	sw := New(st).WithClock(fixedClock(now))
	report, err := sw.Sweep(context.Background(), contracts.MarketCondition{Volatility: 0.2})
	require.NoError(t, err)

	assert.Zero(t, report.RevokedCount)
	assert.ElementsMatch(t, []string{"perm-old", "perm-edge"}, report.ExpiredIDs)

	expired, err := st.Get(context.Background(), "perm-old")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExpired, expired.Status)
	require.Len(t, expired.AuditLog, 1)
	assert.True(t, strings.Contains(expired.AuditLog[0].Reason, "expired"))

	live, err := st.Get(context.Background(), "perm-live")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusActive, live.Status)
}

func TestSweepHardStopWinsOverExpiry(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	seedActive(t, st, "perm-a", &past)

	sw := New(st).WithClock(fixedClock(now))
	report, err := sw.Sweep(context.Background(), contracts.MarketCondition{Volatility: 0.9})
	require.NoError(t, err)

	assert.Equal(t, []string{"perm-a"}, report.RevokedIDs)
	assert.Empty(t, report.ExpiredIDs)

	perm, err := st.Get(context.Background(), "perm-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRevoked, perm.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	seedActive(t, st, "perm-a", nil)
	sw := New(st)

	first, err := sw.Sweep(context.Background(), contracts.MarketCondition{Volatility: 0.8})
	require.NoError(t, err)
	assert.Equal(t, 1, first.RevokedCount)

	second, err := sw.Sweep(context.Background(), contracts.MarketCondition{Volatility: 0.8})
	require.NoError(t, err)
	assert.Zero(t, second.RevokedCount)

	perm, err := st.Get(context.Background(), "perm-a")
	require.NoError(t, err)
	assert.Len(t, perm.AuditLog, 1)
}

func TestSweepSkipsConcurrentlyRevoked(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	seedActive(t, st, "perm-a", nil)

	// Another actor wins the race after ListByStatus would have seen the
	// permission as active.
	require.NoError(t, st.CompareAndSetStatus(context.Background(),
		"perm-a", contracts.StatusActive, contracts.StatusRevoked, now))

	sw := New(st).WithClock(fixedClock(now))
	report, err := sw.Sweep(context.Background(), contracts.MarketCondition{Volatility: 0.8})
	require.NoError(t, err)
	assert.Zero(t, report.RevokedCount)

	perm, err := st.Get(context.Background(), "perm-a")
	require.NoError(t, err)
	assert.Empty(t, perm.AuditLog)
}

func TestSweepNotifiesTransitionObserver(t *testing.T) {
	st := store.NewMemoryStore()
	seedActive(t, st, "perm-a", nil)

	var (
		mu      sync.Mutex
		entries []contracts.AuditEntry
	)
	sw := New(st).OnTransition(func(id string, entry contracts.AuditEntry) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "perm-a", id)
		entries = append(entries, entry)
	})

	_, err := sw.Sweep(context.Background(), contracts.MarketCondition{Volatility: 0.7})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type staticMarket struct {
	cond contracts.MarketCondition
}

func (s staticMarket) Snapshot(context.Context) (contracts.MarketCondition, error) {
	return s.cond, nil
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := store.NewMemoryStore()
	seedActive(t, st, "perm-a", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(st).Run(ctx, staticMarket{contracts.MarketCondition{Volatility: 0.9}}, time.Millisecond)
	}()

	// Give the loop at least one tick before cancelling.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}

	perm, err := st.Get(context.Background(), "perm-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRevoked, perm.Status)
}
