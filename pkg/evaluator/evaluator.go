// Package evaluator decides, for a single agent action request, whether the
// agent may proceed, must escalate to community vote, or is blocked. The
// decision is a pure function of the request, the market snapshot, and the
// candidate permissions; callers persist it if they choose to.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/mandatehq/mandate/pkg/canonicalize"
	"github.com/mandatehq/mandate/pkg/conditions"
	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/scope"
)

// Escalation thresholds. Any one of them routes the decision to community
// vote regardless of the allow/deny outcome.
const (
	// DefaultAmountThreshold is the USD-equivalent amount above which a
	// request always escalates.
	DefaultAmountThreshold = 10_000.0
	// DefaultVolatilityThreshold is the market volatility above which a
	// request always escalates.
	DefaultVolatilityThreshold = 0.4
)

// Evaluator orchestrates scope checks and condition evaluation across a
// permission set.
type Evaluator struct {
	guard *scope.Guard
	conds *conditions.Evaluator
	clock func() time.Time

	amountThreshold     float64
	volatilityThreshold float64
}

// New creates an Evaluator with the default escalation thresholds.
func New(guard *scope.Guard, conds *conditions.Evaluator) *Evaluator {
	return &Evaluator{
		guard:               guard,
		conds:               conds,
		clock:               time.Now,
		amountThreshold:     DefaultAmountThreshold,
		volatilityThreshold: DefaultVolatilityThreshold,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// WithEscalationThresholds overrides the fixed escalation thresholds,
// typically from a risk profile.
func (e *Evaluator) WithEscalationThresholds(amount, volatility float64) *Evaluator {
	e.amountThreshold = amount
	e.volatilityThreshold = volatility
	return e
}

// Evaluate runs the decision algorithm over the candidate permissions,
// which must already be filtered to ACTIVE grants matching the request's
// user and type, in stable creation order.
//
// The first candidate that allows the request wins. If none allow, the
// result of the first candidate evaluated is returned (deterministic
// tie-break by input order). The escalation flags are computed on the
// final result either way.
func (e *Evaluator) Evaluate(ctx context.Context, req contracts.PermissionRequest, market contracts.MarketCondition, candidates []*contracts.Permission) (contracts.EvaluationResult, error) {
	if len(candidates) == 0 {
		return e.finalize(req, market, contracts.EvaluationResult{
			Reason:    fmt.Sprintf("no active %s permission for user", req.PermissionType),
			RiskLevel: contracts.RiskHigh,
		})
	}

	var first *contracts.EvaluationResult
	for _, perm := range candidates {
		res, err := e.evaluateOne(ctx, perm, req, market)
		if err != nil {
			return contracts.EvaluationResult{}, err
		}
		if res.IsAllowed {
			return e.finalize(req, market, res)
		}
		if first == nil {
			first = &res
		}
	}
	return e.finalize(req, market, *first)
}

// evaluateOne runs scope checks then every active condition for a single
// permission.
func (e *Evaluator) evaluateOne(ctx context.Context, perm *contracts.Permission, req contracts.PermissionRequest, market contracts.MarketCondition) (contracts.EvaluationResult, error) {
	check, err := e.guard.Check(ctx, perm.Scope, req, e.clock())
	if err != nil {
		return contracts.EvaluationResult{}, err
	}
	if !check.Allowed {
		return contracts.EvaluationResult{
			Reason:    check.Reason,
			RiskLevel: scopeDenialRisk(check.Kind),
		}, nil
	}

	risk := contracts.RiskLow
	var triggered []string
	for _, cond := range perm.Conditions {
		if !cond.IsActive {
			continue
		}
		out := e.conds.Evaluate(ctx, cond, market, req)
		if out.Triggered {
			triggered = append(triggered, cond.ID)
		}
		if out.BlocksAction {
			return contracts.EvaluationResult{
				Reason:              out.Reason,
				TriggeredConditions: triggered,
				RiskLevel:           out.RiskLevel,
			}, nil
		}
		risk = contracts.MaxRiskLevel(risk, out.RiskLevel)
	}

	return contracts.EvaluationResult{
		IsAllowed:           true,
		TriggeredConditions: triggered,
		RiskLevel:           risk,
	}, nil
}

// finalize computes the escalation flag and the decision hash.
func (e *Evaluator) finalize(req contracts.PermissionRequest, market contracts.MarketCondition, res contracts.EvaluationResult) (contracts.EvaluationResult, error) {
	res.RequiresCommunityVote = res.RiskLevel == contracts.RiskHigh ||
		req.RequestedAmount > e.amountThreshold ||
		market.Volatility > e.volatilityThreshold ||
		req.Action == contracts.ActionEmergency

	hash, err := decisionHash(res)
	if err != nil {
		return contracts.EvaluationResult{}, err
	}
	res.DecisionHash = hash
	return res, nil
}

func scopeDenialRisk(kind scope.DenialKind) contracts.RiskLevel {
	switch kind {
	case scope.DenialAmount, scope.DenialToken:
		return contracts.RiskHigh
	default:
		return contracts.RiskMedium
	}
}

// decisionHash produces a deterministic SHA-256 over the JCS-canonical
// decision, excluding the hash field itself. The hash is bound into audit
// records so a persisted decision can be matched to its record.
func decisionHash(res contracts.EvaluationResult) (string, error) {
	hashable := struct {
		IsAllowed             bool     `json:"is_allowed"`
		Reason                string   `json:"reason"`
		TriggeredConditions   []string `json:"triggered_conditions"`
		RequiresCommunityVote bool     `json:"requires_community_vote"`
		RiskLevel             string   `json:"risk_level"`
	}{res.IsAllowed, res.Reason, res.TriggeredConditions, res.RequiresCommunityVote, string(res.RiskLevel)}

	hash, err := canonicalize.Hash(hashable)
	if err != nil {
		return "", fmt.Errorf("decision hash: %w", err)
	}
	return hash, nil
}
