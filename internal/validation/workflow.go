package validation

import "github.com/rendis/orchestra/pkg/schema"

// WorkflowValidator runs the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step agents, unique names, expressions, settings)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	conditions ExpressionChecker
	selectors  ExpressionChecker
}

// NewWorkflowValidator creates a WorkflowValidator. conditions checks step
// `when` expressions and selectors checks step `select` filters; either may be
// nil to skip that check.
func NewWorkflowValidator(conditions, selectors ExpressionChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		conditions: conditions,
		selectors:  selectors,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, wf)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(wf, wv))
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateWorkflow, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateWorkflow(wf)
	if err == nil {
		return result
	}

	opErr, ok := err.(*schema.OrchestraError)
	if !ok {
		result.AddError("/", schema.IssueSchema, err.Error())
		return result
	}

	if opErr.Details != nil {
		if violations, ok := opErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.IssueSchema, v)
			}
			return result
		}
	}
	result.AddError("/", schema.IssueSchema, opErr.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
