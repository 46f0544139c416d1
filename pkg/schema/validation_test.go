package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].agentId", ErrCodeValidation, "agent not listed in workflow agents")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].agentId", r.Errors[0].Path)
	assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].retry.max", ErrCodeValidation, "high retry count")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", ErrCodeNotFound, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("name", ErrCodeValidation, "workflow name is required")

	err := r.ToError()
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	var oe *OrchestraError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "workflow name is required", oe.Message)
	assert.Equal(t, 1, oe.Details["error_count"])

	r.AddError("steps[0].name", ErrCodeValidation, "step name is required")
	err = r.ToError()
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "validation failed with 2 errors", oe.Message)
}

func TestStepAndSettingPaths(t *testing.T) {
	assert.Equal(t, "steps[2]", StepPath(2))
	assert.Equal(t, "steps[0].agentId", StepPath(0, "agentId"))
	assert.Equal(t, "steps[1].retry.max", StepPath(1, "retry", "max"))
	assert.Equal(t, "settings.summary", SettingPath(SettingSummary))
}

func TestValidationResult_StepIssues(t *testing.T) {
	r := &ValidationResult{}
	step := Step{Name: "research", AgentID: "a1"}
	r.AddStepError(0, step, "agentId", IssueUnknownAgent, "agent not listed")
	r.AddStepWarning(0, step, "retry.max", IssueRetryPolicy, "high retry count")
	r.AddError(SettingPath(SettingSummary), IssueInvalidSetting, "summary must be a string")

	issues := r.StepIssues("research")
	require.Len(t, issues, 2)
	assert.Equal(t, "steps[0].agentId", issues[0].Path)
	assert.Equal(t, SeverityWarning, issues[1].Severity)

	var oe *OrchestraError
	require.True(t, errors.As(r.ToError(), &oe))
	assert.Empty(t, oe.StepName, "the settings error belongs to no step")
}

func TestValidationResult_ToErrorNamesSingleStep(t *testing.T) {
	r := &ValidationResult{}
	step := Step{Name: "write"}
	r.AddStepError(1, step, "when", IssueInvalidExpression, "undeclared reference")
	r.AddStepError(1, step, "select", IssueInvalidExpression, "bad filter")

	var oe *OrchestraError
	require.True(t, errors.As(r.ToError(), &oe))
	assert.Equal(t, "write", oe.StepName)
	assert.Equal(t, "validation failed with 2 errors", oe.Message)
}
