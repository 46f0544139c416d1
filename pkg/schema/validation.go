package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// Issue codes reported for workflow definitions.
const (
	IssueRequired          = "REQUIRED"
	IssueSchema            = "SCHEMA"
	IssueDuplicateStep     = "DUPLICATE_STEP"
	IssueUnknownAgent      = "UNKNOWN_AGENT"
	IssueUnusedAgent       = "UNUSED_AGENT"
	IssueInvalidExpression = "INVALID_EXPRESSION"
	IssueRetryPolicy       = "RETRY_POLICY"
	IssueInvalidSetting    = "INVALID_SETTING"
)

// ValidationIssue is one problem in a workflow definition. Path locates it
// ("steps[2].agentId", "settings.summary"); Step names the step when the
// issue belongs to one.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Step     string             `json:"step,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// StepPath returns the path of step index, or of one of its fields.
func StepPath(index int, field ...string) string {
	p := fmt.Sprintf("steps[%d]", index)
	if len(field) > 0 {
		p += "." + strings.Join(field, ".")
	}
	return p
}

// SettingPath returns the path of a workflow setting.
func SettingPath(key string) string {
	return "settings." + key
}

// ValidationResult aggregates all issues from the validation pipeline.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// AddStepError appends an error on a field of step index.
func (r *ValidationResult) AddStepError(index int, step Step, field, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: StepPath(index, field), Step: step.Name, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddStepWarning appends a warning on a field of step index.
func (r *ValidationResult) AddStepWarning(index int, step Step, field, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: StepPath(index, field), Step: step.Name, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// StepIssues returns the errors and warnings reported against the named step.
func (r *ValidationResult) StepIssues(name string) []ValidationIssue {
	var out []ValidationIssue
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, issue := range list {
			if issue.Step == name {
				out = append(out, issue)
			}
		}
	}
	return out
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a VALIDATION_ERROR, or nil when valid. When
// every error belongs to the same step the error carries that step's name.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	err := NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
	if step := r.Errors[0].Step; step != "" {
		for _, issue := range r.Errors[1:] {
			if issue.Step != step {
				return err
			}
		}
		err = err.WithStep(step)
	}
	return err
}
