// Package scope enforces the hard ceilings of a permission: amount,
// token set, allowed time windows, and action frequency. Scope checks run
// before any condition evaluation and short-circuit the decision.
package scope

import (
	"context"
	"fmt"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// DenialKind tells the caller which ceiling a denial hit, so risk can be
// graded without parsing reason strings.
type DenialKind string

const (
	DenialNone      DenialKind = ""
	DenialAmount    DenialKind = "amount"
	DenialToken     DenialKind = "token"
	DenialWindow    DenialKind = "time_window"
	DenialFrequency DenialKind = "frequency"
)

// CheckResult is the outcome of a scope check. Denials carry a human
// readable reason and the kind of ceiling that was hit.
type CheckResult struct {
	Allowed bool       `json:"allowed"`
	Reason  string     `json:"reason,omitempty"`
	Kind    DenialKind `json:"kind,omitempty"`
}

// Guard checks requests against a permission scope.
type Guard struct {
	freq FrequencyChecker
}

// NewGuard creates a Guard. A nil checker means no transaction history is
// available, which the contract treats as allowed.
func NewGuard(freq FrequencyChecker) *Guard {
	if freq == nil {
		freq = NoopChecker{}
	}
	return &Guard{freq: freq}
}

// Check runs all scope checks in order: amount, token set, time window,
// frequency. The first failing check decides the result.
func (g *Guard) Check(ctx context.Context, sc contracts.Scope, req contracts.PermissionRequest, now time.Time) (CheckResult, error) {
	if req.RequestedAmount > sc.MaxAmount {
		return CheckResult{
			Kind:   DenialAmount,
			Reason: fmt.Sprintf("requested amount %.2f exceeds maximum allowed %.2f", req.RequestedAmount, sc.MaxAmount),
		}, nil
	}

	if req.TokenAddress != "" {
		for _, tk := range sc.BlacklistedTokens {
			if tk == req.TokenAddress {
				return CheckResult{Kind: DenialToken, Reason: fmt.Sprintf("token %s is blacklisted", req.TokenAddress)}, nil
			}
		}
		if len(sc.AllowedTokens) > 0 && !contains(sc.AllowedTokens, req.TokenAddress) {
			return CheckResult{Kind: DenialToken, Reason: fmt.Sprintf("token %s not in allowed token set", req.TokenAddress)}, nil
		}
	}

	if len(sc.TimeWindows) > 0 && !inAnyWindow(sc.TimeWindows, now) {
		return CheckResult{
			Kind:   DenialWindow,
			Reason: fmt.Sprintf("request at %s outside allowed time windows", now.Format("Mon 15:04")),
		}, nil
	}

	allowed, reason, err := g.freq.Allow(ctx, req.UserID, req.PermissionType)
	if err != nil {
		return CheckResult{}, fmt.Errorf("frequency check: %w", err)
	}
	if !allowed {
		return CheckResult{Kind: DenialFrequency, Reason: reason}, nil
	}

	return CheckResult{Allowed: true}, nil
}

// inAnyWindow reports whether now falls inside at least one window.
// Bounds are inclusive at minute granularity. A window whose start is after
// its end wraps past midnight; the day set is matched against the day the
// window starts.
func inAnyWindow(windows []contracts.TimeWindow, now time.Time) bool {
	day := int(now.Weekday())
	minute := now.Hour()*60 + now.Minute()
	prevDay := (day + 6) % 7

	for _, w := range windows {
		start, err := contracts.ParseClock(w.Start)
		if err != nil {
			continue
		}
		end, err := contracts.ParseClock(w.End)
		if err != nil {
			continue
		}

		if start <= end {
			if hasDay(w.Days, day) && minute >= start && minute <= end {
				return true
			}
			continue
		}

		// wrapping window: [start, midnight) on its day, [midnight, end] on the next
		if hasDay(w.Days, day) && minute >= start {
			return true
		}
		if hasDay(w.Days, prevDay) && minute <= end {
			return true
		}
	}
	return false
}

func hasDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
