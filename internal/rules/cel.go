package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celCostLimit bounds the evaluation cost of one expression check.
const celCostLimit = 1_000_000

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

// expressionEnv returns the shared CEL environment. Expressions see the
// subject's fields as the map variable "subject".
func expressionEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
			cel.CrossTypeNumericComparisons(true),
		)
	})
	return celEnv, celEnvErr
}

// celPredicate is a compiled boolean CEL program.
type celPredicate struct {
	expr string
	prog cel.Program
}

// compileExpression type-checks expr and builds a cost-limited program.
func compileExpression(expr string) (*celPredicate, error) {
	env, err := expressionEnv()
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must be boolean, got %s", out)
	}
	prog, err := env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation: %w", err)
	}
	return &celPredicate{expr: expr, prog: prog}, nil
}

// Eval runs the program against subject. A non-boolean result is an error.
func (p *celPredicate) Eval(ctx context.Context, subject map[string]any) (bool, error) {
	out, _, err := p.prog.ContextEval(ctx, map[string]any{"subject": subject})
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", p.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %q: result is %T, not bool", p.expr, out.Value())
	}
	return b, nil
}
