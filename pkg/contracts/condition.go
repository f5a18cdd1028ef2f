package contracts

import "fmt"

// ConditionType identifies the evaluation semantics of a condition.
type ConditionType string

const (
	ConditionVolatilityThreshold ConditionType = "volatility_threshold"
	ConditionPriceChange         ConditionType = "price_change"
	ConditionMarketCondition     ConditionType = "market_condition"
	ConditionRiskMetrics         ConditionType = "risk_metrics"
	// ConditionCustomExpression is a principal-authored CEL predicate over
	// the market snapshot and the request. Unlike the built-in types it
	// fails closed: a predicate that does not compile or evaluate blocks
	// the action.
	ConditionCustomExpression ConditionType = "custom_expression"
)

// PriceDirection selects which sign of price movement a price_change
// condition blocks.
type PriceDirection string

const (
	DirectionUp   PriceDirection = "up"
	DirectionDown PriceDirection = "down"
	DirectionBoth PriceDirection = "both"
)

// ConditionParams is the typed parameter set for a condition. Which fields
// are meaningful depends on the condition type; Validate enforces the
// per-type shape. Persisted as the condition's "parameters" document.
type ConditionParams struct {
	// volatility_threshold, price_change
	Threshold float64 `json:"threshold,omitempty"`
	// price_change
	Direction PriceDirection `json:"direction,omitempty"`
	// market_condition
	AllowedConditions []MarketTrend `json:"allowed_conditions,omitempty"`
	// risk_metrics
	MaxRisk float64 `json:"max_risk,omitempty"`
	// custom_expression
	Expression string `json:"expression,omitempty"`
}

// PermissionCondition is one market-aware rule attached to a permission.
// Conditions are ordered and independently toggleable.
type PermissionCondition struct {
	ID         string          `json:"id"`
	Type       ConditionType   `json:"type"`
	Parameters ConditionParams `json:"parameters"`
	IsActive   bool            `json:"is_active"`
}

// Validate checks that the parameters match the condition type.
func (c PermissionCondition) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: condition id is required", ErrValidation)
	}
	switch c.Type {
	case ConditionVolatilityThreshold:
		if c.Parameters.Threshold < 0 {
			return fmt.Errorf("%w: condition %s: threshold must be non-negative", ErrValidation, c.ID)
		}
	case ConditionPriceChange:
		if c.Parameters.Threshold < 0 {
			return fmt.Errorf("%w: condition %s: threshold must be non-negative", ErrValidation, c.ID)
		}
		switch c.Parameters.Direction {
		case DirectionUp, DirectionDown, DirectionBoth:
		default:
			return fmt.Errorf("%w: condition %s: direction %q not one of up/down/both", ErrValidation, c.ID, c.Parameters.Direction)
		}
	case ConditionMarketCondition:
		if len(c.Parameters.AllowedConditions) == 0 {
			return fmt.Errorf("%w: condition %s: allowed_conditions must not be empty", ErrValidation, c.ID)
		}
		for _, t := range c.Parameters.AllowedConditions {
			switch t {
			case TrendBullish, TrendBearish, TrendSideways:
			default:
				return fmt.Errorf("%w: condition %s: unknown market trend %q", ErrValidation, c.ID, t)
			}
		}
	case ConditionRiskMetrics:
		if c.Parameters.MaxRisk <= 0 {
			return fmt.Errorf("%w: condition %s: max_risk must be positive", ErrValidation, c.ID)
		}
	case ConditionCustomExpression:
		if c.Parameters.Expression == "" {
			return fmt.Errorf("%w: condition %s: expression is required", ErrValidation, c.ID)
		}
	default:
		return fmt.Errorf("%w: unknown condition type %q", ErrValidation, c.Type)
	}
	return nil
}
