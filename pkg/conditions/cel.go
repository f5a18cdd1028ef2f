package conditions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// CELEvaluator evaluates custom_expression conditions: principal-authored
// CEL predicates over the market snapshot and the request. Compiled programs
// are cached per expression.
//
// Unlike the built-in condition types, custom expressions fail closed: an
// expression that does not compile, does not evaluate, or does not yield a
// bool blocks the action.
type CELEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEvaluator builds the CEL environment exposing the evaluation inputs.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("volatility", cel.DoubleType),
		cel.Variable("trend", cel.StringType),
		cel.Variable("volume", cel.DoubleType),
		cel.Variable("liquidity", cel.DoubleType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("token", cel.StringType),
		cel.Variable("action", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &CELEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate runs the condition's expression. A true result means the
// condition has triggered and blocks the action.
func (e *CELEvaluator) Evaluate(ctx context.Context, cond contracts.PermissionCondition, market contracts.MarketCondition, req contracts.PermissionRequest) Outcome {
	_ = ctx
	prg, err := e.program(cond.Parameters.Expression)
	if err != nil {
		return failClosed(cond, err)
	}

	out, _, err := prg.Eval(map[string]any{
		"volatility": market.Volatility,
		"trend":      string(market.Trend),
		"volume":     market.Volume,
		"liquidity":  market.Liquidity,
		"amount":     req.RequestedAmount,
		"token":      req.TokenAddress,
		"action":     req.Action,
	})
	if err != nil {
		return failClosed(cond, err)
	}

	triggered, ok := out.Value().(bool)
	if !ok {
		return failClosed(cond, fmt.Errorf("expression is not a boolean predicate"))
	}
	if !triggered {
		return Outcome{RiskLevel: contracts.RiskLow}
	}
	return Outcome{
		Triggered:    true,
		BlocksAction: true,
		Reason:       fmt.Sprintf("custom expression %q triggered", cond.Parameters.Expression),
		RiskLevel:    contracts.RiskHigh,
	}
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func failClosed(cond contracts.PermissionCondition, err error) Outcome {
	return Outcome{
		Triggered:    true,
		BlocksAction: true,
		Reason:       fmt.Sprintf("custom expression %s failed evaluation: %v", cond.ID, err),
		RiskLevel:    contracts.RiskHigh,
	}
}
