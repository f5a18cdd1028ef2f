// Package sweeper runs the auto-revocation pass: a periodic scan of all
// ACTIVE permissions that revokes those caught by hard-stop market rules or
// expiry. Each transition is an independent CAS, so the sweep is idempotent
// and safe to run concurrently with evaluation, voting, and other sweeps;
// stopping mid-sweep loses no consistency, only leaves the remainder for
// the next tick.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// DefaultVolatilityHardStop is the market volatility above which every
// active permission is revoked.
const DefaultVolatilityHardStop = 0.6

// MarketSource provides a fresh market snapshot for scheduled sweeps.
type MarketSource interface {
	Snapshot(ctx context.Context) (contracts.MarketCondition, error)
}

// Report summarizes one sweep. Expired permissions are listed separately
// from revoked ones: expiry is a distinct terminal state.
type Report struct {
	RevokedCount int      `json:"revoked_count"`
	RevokedIDs   []string `json:"revoked_permission_ids,omitempty"`
	ExpiredIDs   []string `json:"expired_permission_ids,omitempty"`
}

// Sweeper revokes active permissions under adverse market conditions.
type Sweeper struct {
	store    store.PermissionStore
	clock    func() time.Time
	hardStop float64
	logger   *slog.Logger

	// onTransition, if set, is told about every applied transition so the
	// engine can mirror it into the chained audit log.
	onTransition func(permissionID string, entry contracts.AuditEntry)
}

// New creates a Sweeper with the default volatility hard stop.
func New(st store.PermissionStore) *Sweeper {
	return &Sweeper{
		store:    st,
		clock:    time.Now,
		hardStop: DefaultVolatilityHardStop,
		logger:   slog.Default().With("component", "sweeper"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// WithHardStop overrides the volatility ceiling, typically from a risk
// profile.
func (s *Sweeper) WithHardStop(ceiling float64) *Sweeper {
	s.hardStop = ceiling
	return s
}

// OnTransition registers a callback invoked after each applied transition.
func (s *Sweeper) OnTransition(fn func(permissionID string, entry contracts.AuditEntry)) *Sweeper {
	s.onTransition = fn
	return s
}

// Sweep scans all ACTIVE permissions against the market snapshot. Rules are
// checked in order, first match wins per permission:
//
//  1. volatility above the hard stop → REVOKED
//  2. expiry timestamp reached → EXPIRED
//
// A permission transitioned out of ACTIVE by another actor between the scan
// and the CAS is skipped, never overwritten.
func (s *Sweeper) Sweep(ctx context.Context, market contracts.MarketCondition) (Report, error) {
	active, err := s.store.ListByStatus(ctx, contracts.StatusActive)
	if err != nil {
		return Report{}, fmt.Errorf("list active permissions: %w", err)
	}

	now := s.clock()
	var report Report

	for _, perm := range active {
		switch {
		case market.Volatility > s.hardStop:
			reason := fmt.Sprintf("market volatility %.2f exceeded hard stop %.2f", market.Volatility, s.hardStop)
			if s.transition(ctx, perm.ID, contracts.StatusRevoked, reason, now) {
				report.RevokedIDs = append(report.RevokedIDs, perm.ID)
			}
		case perm.ExpiresAt != nil && !perm.ExpiresAt.After(now):
			reason := fmt.Sprintf("permission expired at %s", perm.ExpiresAt.UTC().Format(time.RFC3339))
			if s.transition(ctx, perm.ID, contracts.StatusExpired, reason, now) {
				report.ExpiredIDs = append(report.ExpiredIDs, perm.ID)
			}
		}
	}

	report.RevokedCount = len(report.RevokedIDs)
	return report, nil
}

// transition applies one CAS transition out of ACTIVE and audits it.
// Returns false when another actor got there first.
func (s *Sweeper) transition(ctx context.Context, id string, next contracts.PermissionStatus, reason string, now time.Time) bool {
	err := s.store.CompareAndSetStatus(ctx, id, contracts.StatusActive, next, now)
	if errors.Is(err, contracts.ErrStatusConflict) {
		s.logger.InfoContext(ctx, "sweep transition skipped, status changed concurrently", "permission_id", id)
		return false
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep transition failed", "permission_id", id, "error", err)
		return false
	}

	entry := contracts.AuditEntry{
		Action:      contracts.AuditRevoked,
		Details:     fmt.Sprintf("auto-revocation sweep transitioned permission to %s", next),
		Timestamp:   now,
		TriggeredBy: contracts.ActorSystem,
		Reason:      reason,
	}
	if err := s.store.AppendAudit(ctx, id, entry); err != nil {
		s.logger.ErrorContext(ctx, "sweep audit append failed", "permission_id", id, "error", err)
	}
	if s.onTransition != nil {
		s.onTransition(id, entry)
	}
	return true
}

// Run executes a sweep every interval until the context is cancelled. The
// market source is polled once per tick; a failed snapshot skips the tick
// rather than sweeping on stale data.
func (s *Sweeper) Run(ctx context.Context, source MarketSource, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			market, err := source.Snapshot(ctx)
			if err != nil {
				s.logger.WarnContext(ctx, "market snapshot unavailable, skipping sweep", "error", err)
				continue
			}
			report, err := s.Sweep(ctx, market)
			if err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", "error", err)
				continue
			}
			if report.RevokedCount > 0 || len(report.ExpiredIDs) > 0 {
				s.logger.InfoContext(ctx, "sweep completed",
					"revoked", report.RevokedCount, "expired", len(report.ExpiredIDs))
			}
		}
	}
}
