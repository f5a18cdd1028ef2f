// Package conditions evaluates market-aware permission conditions. Each
// evaluation is a pure function of the condition, the market snapshot, and
// the request; the evaluator holds no mutable state beyond the CEL program
// cache.
package conditions

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// Directional price-change estimates derived from the market trend.
const (
	bearishChange = -0.10
	bullishChange = 0.10
)

// riskMetricsWarnFraction: above this fraction of max_risk the outcome is
// graded medium even when the condition has not triggered.
const riskMetricsWarnFraction = 0.8

// Outcome is the result of evaluating one condition.
type Outcome struct {
	Triggered    bool                `json:"triggered"`
	BlocksAction bool                `json:"blocks_action"`
	Reason       string              `json:"reason,omitempty"`
	RiskLevel    contracts.RiskLevel `json:"risk_level"`
}

// Evaluator evaluates permission conditions against market snapshots.
type Evaluator struct {
	cel    *CELEvaluator
	logger *slog.Logger
}

// New creates an Evaluator. The CEL environment is built eagerly so that a
// broken environment surfaces at startup, not per request.
func New() (*Evaluator, error) {
	cel, err := NewCELEvaluator()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:    cel,
		logger: slog.Default().With("component", "conditions"),
	}, nil
}

// Evaluate runs one condition. Unknown condition types never trigger; this
// fail-open behavior is deliberate and logged so operators can see no-ops.
func (e *Evaluator) Evaluate(ctx context.Context, cond contracts.PermissionCondition, market contracts.MarketCondition, req contracts.PermissionRequest) Outcome {
	switch cond.Type {
	case contracts.ConditionVolatilityThreshold:
		return evalVolatilityThreshold(cond, market)
	case contracts.ConditionPriceChange:
		return evalPriceChange(cond, market)
	case contracts.ConditionMarketCondition:
		return evalMarketCondition(cond, market)
	case contracts.ConditionRiskMetrics:
		return evalRiskMetrics(cond, market)
	case contracts.ConditionCustomExpression:
		return e.cel.Evaluate(ctx, cond, market, req)
	default:
		e.logger.WarnContext(ctx, "unknown condition type, treating as not triggered",
			"condition_id", cond.ID, "condition_type", string(cond.Type))
		return Outcome{RiskLevel: contracts.RiskLow}
	}
}

func evalVolatilityThreshold(cond contracts.PermissionCondition, market contracts.MarketCondition) Outcome {
	if market.Volatility > cond.Parameters.Threshold {
		return Outcome{
			Triggered:    true,
			BlocksAction: true,
			Reason:       fmt.Sprintf("market volatility %.2f exceeds threshold %.2f", market.Volatility, cond.Parameters.Threshold),
			RiskLevel:    contracts.RiskHigh,
		}
	}
	return Outcome{RiskLevel: contracts.RiskLow}
}

func evalPriceChange(cond contracts.PermissionCondition, market contracts.MarketCondition) Outcome {
	var change float64
	switch market.Trend {
	case contracts.TrendBearish:
		change = bearishChange
	case contracts.TrendBullish:
		change = bullishChange
	default:
		change = 0
	}

	threshold := cond.Parameters.Threshold
	if math.Abs(change) <= threshold {
		return Outcome{RiskLevel: contracts.RiskLow}
	}

	blocks := false
	switch cond.Parameters.Direction {
	case contracts.DirectionBoth:
		blocks = true
	case contracts.DirectionUp:
		blocks = change > 0
	case contracts.DirectionDown:
		blocks = change < 0
	}

	risk := contracts.RiskMedium
	if math.Abs(change) > 2*threshold {
		risk = contracts.RiskHigh
	}

	return Outcome{
		Triggered:    true,
		BlocksAction: blocks,
		Reason:       fmt.Sprintf("estimated price change %+.0f%% exceeds threshold %.0f%%", change*100, threshold*100),
		RiskLevel:    risk,
	}
}

func evalMarketCondition(cond contracts.PermissionCondition, market contracts.MarketCondition) Outcome {
	for _, allowed := range cond.Parameters.AllowedConditions {
		if market.Trend == allowed {
			return Outcome{RiskLevel: contracts.RiskLow}
		}
	}
	return Outcome{
		Triggered:    true,
		BlocksAction: true,
		Reason:       fmt.Sprintf("market trend %q not in allowed conditions", market.Trend),
		RiskLevel:    contracts.RiskMedium,
	}
}

func evalRiskMetrics(cond contracts.PermissionCondition, market contracts.MarketCondition) Outcome {
	currentRisk := market.Volatility * 100
	maxRisk := cond.Parameters.MaxRisk

	if currentRisk > maxRisk {
		return Outcome{
			Triggered:    true,
			BlocksAction: true,
			Reason:       fmt.Sprintf("current risk %.1f exceeds maximum %.1f", currentRisk, maxRisk),
			RiskLevel:    contracts.RiskHigh,
		}
	}
	if currentRisk > riskMetricsWarnFraction*maxRisk {
		return Outcome{RiskLevel: contracts.RiskMedium}
	}
	return Outcome{RiskLevel: contracts.RiskLow}
}
