package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// validateSemantic performs the checks JSON Schema cannot express: step agents
// belong to the workflow, step names are unique, expressions compile and the
// run-input schema is itself valid.
func validateSemantic(wf *schema.Workflow, v *WorkflowValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if strings.TrimSpace(wf.Name) == "" {
		result.AddError("name", schema.IssueRequired, "workflow name is required")
	}

	agents := make(map[string]bool, len(wf.Agents))
	for _, a := range wf.Agents {
		agents[a] = true
	}

	used := make(map[string]bool, len(wf.Agents))
	names := make(map[string]int, len(wf.Steps))
	for i, step := range wf.Steps {
		if prev, dup := names[step.Name]; dup {
			result.AddStepError(i, step, "name", schema.IssueDuplicateStep,
				fmt.Sprintf("duplicate step name %q (first used by %s)", step.Name, schema.StepPath(prev)))
		} else {
			names[step.Name] = i
		}

		if !agents[step.AgentID] {
			result.AddStepError(i, step, "agentId", schema.IssueUnknownAgent,
				fmt.Sprintf("agent %q is not listed in workflow agents", step.AgentID))
		}
		used[step.AgentID] = true

		validateStepExpressions(i, step, v, result)
		validateStepRetry(i, step, result)
	}

	for _, a := range wf.Agents {
		if !used[a] {
			result.AddWarning("agents", schema.IssueUnusedAgent,
				fmt.Sprintf("agent %q is not used by any step", a))
		}
	}

	validateSettings(wf.Settings, v, result)
	return result
}

func validateStepExpressions(i int, step schema.Step, v *WorkflowValidator, result *schema.ValidationResult) {
	if step.When != "" && v.conditions != nil {
		if err := v.conditions.Check(step.When); err != nil {
			result.AddStepError(i, step, "when", schema.IssueInvalidExpression, errMessage(err))
		}
	}
	if step.Select != "" && v.selectors != nil {
		if err := v.selectors.Check(step.Select); err != nil {
			result.AddStepError(i, step, "select", schema.IssueInvalidExpression, errMessage(err))
		}
	}
}

func validateStepRetry(i int, step schema.Step, result *schema.ValidationResult) {
	if step.Retry == nil {
		return
	}
	if step.Retry.Max > 10 {
		result.AddStepWarning(i, step, "retry.max", schema.IssueRetryPolicy,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.Max))
	}
	if step.Retry.Delay != "" && step.Retry.MaxDelay != "" {
		d, err1 := time.ParseDuration(step.Retry.Delay)
		m, err2 := time.ParseDuration(step.Retry.MaxDelay)
		if err1 == nil && err2 == nil && m < d {
			result.AddStepWarning(i, step, "retry.max_delay", schema.IssueRetryPolicy,
				fmt.Sprintf("max_delay (%s) is shorter than delay (%s)", step.Retry.MaxDelay, step.Retry.Delay))
		}
	}
}

func validateSettings(settings map[string]any, v *WorkflowValidator, result *schema.ValidationResult) {
	if raw, ok := settings[schema.SettingInputSchema]; ok && raw != nil {
		b, err := SchemaBytes(raw)
		if err == nil {
			err = v.jsonSchema.CheckSchema(b)
		}
		if err != nil {
			result.AddError(schema.SettingPath(schema.SettingInputSchema), schema.IssueInvalidSetting,
				fmt.Sprintf("invalid input schema: %v", err))
		}
	}
	if raw, ok := settings[schema.SettingSingleFlight]; ok {
		if _, isBool := raw.(bool); !isBool {
			result.AddError(schema.SettingPath(schema.SettingSingleFlight), schema.IssueInvalidSetting,
				"singleFlight must be a boolean")
		}
	}
	if raw, ok := settings[schema.SettingSummary]; ok {
		if s, isStr := raw.(string); !isStr || s == "" {
			result.AddError(schema.SettingPath(schema.SettingSummary), schema.IssueInvalidSetting,
				"summary must be a non-empty expression string")
		}
	}
}

func errMessage(err error) string {
	if oe, ok := err.(*schema.OrchestraError); ok {
		return oe.Message
	}
	return err.Error()
}
