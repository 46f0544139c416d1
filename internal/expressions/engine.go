package expressions

import "context"

// Engine evaluates expressions against orchestration data.
// Three implementations: CEL (step conditions), GoJQ (output selection), Expr (summaries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
