package validation

import "github.com/rendis/orchestra/pkg/schema"

// Validator checks workflow definitions before they are persisted and run inputs
// before an execution starts. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ExpressionChecker compiles an expression without evaluating it.
// Implemented by the CEL and jq engines.
type ExpressionChecker interface {
	Check(expression string) error
}
