package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/orchestra/pkg/schema"
)

// StepOutcome classifies a finished step for the run loop.
type StepOutcome int

const (
	// OutcomeSuccess: the step succeeded or was skipped by its condition.
	OutcomeSuccess StepOutcome = iota
	// OutcomeRecoverable: an optional step failed; the run continues.
	OutcomeRecoverable
	// OutcomeFatal: a required step failed; the run aborts.
	OutcomeFatal
)

func (o StepOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyStep applies the step's required flag to its result. Steps are
// required unless they set required=false.
func ClassifyStep(step schema.Step, res *StepResult) StepOutcome {
	switch {
	case res.Success:
		return OutcomeSuccess
	case step.IsRequired():
		return OutcomeFatal
	default:
		return OutcomeRecoverable
	}
}

// handleStepFailure logs a failed step and returns its classification.
func handleStepFailure(ctx context.Context, logger *slog.Logger, step schema.Step, res *StepResult) StepOutcome {
	outcome := ClassifyStep(step, res)
	switch outcome {
	case OutcomeFatal:
		logger.ErrorContext(ctx, "required step failed, aborting execution",
			slog.String("error", res.Error), slog.Int("attempts", res.Attempts))
	case OutcomeRecoverable:
		logger.WarnContext(ctx, "optional step failed, continuing",
			slog.String("error", res.Error), slog.Int("attempts", res.Attempts))
	}
	return outcome
}
