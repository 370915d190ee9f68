package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"baton/internal/domain"
	"baton/internal/engine/quality"
	"baton/internal/events"
)

// StepOutcome is the per-step record of one processing pass.
type StepOutcome struct {
	StepID          string                      `json:"step_id"`
	StepExecutionID string                      `json:"step_execution_id"`
	Status          string                      `json:"status" enum:"completed,failed"`
	Error           string                      `json:"error,omitempty"`
	Output          string                      `json:"output,omitempty"`
	QualityChecks   []domain.QualityCheckResult `json:"quality_checks,omitempty"`
	Suggestions     []string                    `json:"suggestions,omitempty"`
}

// ProcessResult aggregates one ProcessRole invocation.
type ProcessResult struct {
	Success        bool           `json:"success"`
	ExecutionID    string         `json:"execution_id"`
	CurrentRole    string         `json:"current_role"`
	Transitioned   bool           `json:"transitioned"`
	Completed      bool           `json:"completed"`
	Blocked        string         `json:"blocked,omitempty"`
	Steps          []StepOutcome  `json:"steps,omitempty"`
	CompletedSteps []string       `json:"completed_steps,omitempty"`
	Metrics        domain.Metrics `json:"metrics"`
	Errors         []string       `json:"errors,omitempty"`
	Suggestions    []string       `json:"suggestions,omitempty"`
}

// ProcessRole advances an execution through its current role: it runs
// every not-yet-completed step the role's capabilities cover, evaluates
// quality checks, records satisfied gates, and either completes the
// execution or hands off to the next role. One invocation holds the
// execution lock for its whole duration.
func (e Engine) ProcessRole(ctx context.Context, executionID, actorID string) (ProcessResult, error) {
	unlock := e.locks.lock(executionID)
	defer unlock()

	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return ProcessResult{}, err
	}
	if exec.Terminal() {
		return ProcessResult{}, fmt.Errorf("execution %s: %w", executionID, ErrTerminal)
	}
	if exec.Status == domain.ExecutionPaused {
		return ProcessResult{}, fmt.Errorf("execution %s: %w", executionID, ErrPaused)
	}
	role, ok := e.Registry.Role(exec.CurrentRole)
	if !ok {
		return ProcessResult{}, fmt.Errorf("invalid role %s", exec.CurrentRole)
	}
	wf, err := e.Repo.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return ProcessResult{}, err
	}
	rules, err := e.Repo.ListQualityRules(ctx)
	if err != nil {
		return ProcessResult{}, err
	}
	eval, err := quality.New(rules)
	if err != nil {
		return ProcessResult{}, err
	}

	res := ProcessResult{
		Success:     true,
		ExecutionID: exec.ID,
		CurrentRole: exec.CurrentRole,
	}
	roleSteps := e.Registry.StepsForRole(wf, role)
	var checksTotal, checksPassed int
	foldChecks := func(checks []domain.QualityCheckResult) {
		for _, check := range checks {
			checksTotal++
			if check.Status == domain.CheckPass {
				checksPassed++
				if gate, ok := eval.GateFor(check.RuleID); ok && gate != "" {
					exec.Context.AddGate(gate)
				}
			} else {
				res.Errors = append(res.Errors, fmt.Sprintf("check %s: %s", check.RuleID, check.Message))
				res.Suggestions = append(res.Suggestions, check.Suggestions...)
			}
		}
	}

	for _, step := range roleSteps {
		if exec.HasCompletedStep(step.ID) {
			// Gates are retryable: a step that completed with failing
			// checks gets its artifact re-rendered and re-evaluated on
			// later passes until the role's gates are satisfied. No new
			// attempt row is recorded.
			if gatesSatisfied(exec, role) {
				continue
			}
			result, err := e.Dispatcher.ExecuteStep(ctx, step, role, exec.Context.Variables)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("step %s: %s", step.ID, err))
				continue
			}
			foldChecks(eval.RunChecks(step, role, wf.QualityChecks, result.Output))
			continue
		}
		outcome, delta, err := e.runStep(ctx, &exec, step, role, wf, eval, actorID)
		if err != nil {
			return res, err
		}
		res.Steps = append(res.Steps, outcome)
		if outcome.Status == domain.StepFailed {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("step %s: %s", step.ID, outcome.Error))
			continue
		}
		exec.CompletedSteps = append(exec.CompletedSteps, step.ID)
		exec.Metrics.Add(delta)
		res.Suggestions = append(res.Suggestions, outcome.Suggestions...)
		foldChecks(outcome.QualityChecks)
	}

	if checksTotal > 0 {
		exec.Metrics.QualityScore = 100 * float64(checksPassed) / float64(checksTotal)
	}
	allChecksPassed := checksPassed == checksTotal

	allStepsDone := true
	for _, step := range roleSteps {
		if !exec.HasCompletedStep(step.ID) {
			allStepsDone = false
			break
		}
	}

	next := e.Registry.NextRoles(exec.CurrentRole)
	switch {
	case len(next) == 0:
		if res.Success && allStepsDone && allChecksPassed {
			exec, err = e.completeExecution(ctx, exec, domain.Metrics{}, actorID)
			if err != nil {
				return res, err
			}
			res.Completed = true
		} else {
			if !allChecksPassed {
				res.Success = false
				if res.Blocked == "" {
					res.Blocked = "quality checks failed"
				}
			}
			if err := e.saveProgress(ctx, exec); err != nil {
				return res, err
			}
		}
	case res.Success && allStepsDone && allChecksPassed:
		target := next[0].ID
		check := e.Registry.ValidateRoleTransition(exec, target)
		if !check.Valid {
			res.Success = false
			res.Blocked = check.Reason
			if len(check.MissingGates) > 0 {
				res.Errors = append(res.Errors, fmt.Sprintf("transition to %s blocked: missing gates %s", target, strings.Join(check.MissingGates, ", ")))
			} else {
				res.Errors = append(res.Errors, fmt.Sprintf("transition to %s blocked: %s", target, check.Reason))
			}
			if err := e.saveProgress(ctx, exec); err != nil {
				return res, err
			}
			break
		}
		notes := fmt.Sprintf("completed %d step(s) as %s", len(res.Steps), role.ID)
		exec, err = e.transitionRole(ctx, exec, target, notes, nil, "", actorID)
		if err != nil {
			return res, err
		}
		res.Transitioned = true
	default:
		if !allChecksPassed {
			res.Success = false
			if res.Blocked == "" {
				res.Blocked = "quality checks failed"
			}
		}
		if err := e.saveProgress(ctx, exec); err != nil {
			return res, err
		}
	}

	res.CurrentRole = exec.CurrentRole
	res.CompletedSteps = exec.CompletedSteps
	res.Metrics = exec.Metrics
	return res, nil
}

// runStep executes one step attempt: pending row, running, dispatch,
// quality checks, terminal step status. Step failures are returned in
// the outcome, not as an error; only infrastructure failures error out.
func (e Engine) runStep(ctx context.Context, exec *domain.Execution, step domain.Step, role domain.Role, wf domain.Workflow, eval *quality.Evaluator, actorID string) (StepOutcome, domain.Metrics, error) {
	se, err := e.addStepExecution(ctx, exec.ID, step.ID, role.ID)
	if err != nil {
		return StepOutcome{}, domain.Metrics{}, err
	}
	se, err = e.updateStepExecutionEvent(ctx, se, StepExecutionUpdate{Status: domain.StepRunning}, "step.started", actorID, events.EventPayload{
		"step": step.ID,
	})
	if err != nil {
		return StepOutcome{}, domain.Metrics{}, err
	}
	exec.CurrentStep = step.ID

	outcome := StepOutcome{StepID: step.ID, StepExecutionID: se.ID}
	result, dispatchErr := e.Dispatcher.ExecuteStep(ctx, step, role, exec.Context.Variables)
	if dispatchErr != nil {
		outcome.Status = domain.StepFailed
		outcome.Error = dispatchErr.Error()
		if _, err := e.updateStepExecutionEvent(ctx, se, StepExecutionUpdate{
			Status: domain.StepFailed,
			Error:  dispatchErr.Error(),
		}, "step.failed", actorID, events.EventPayload{
			"step":  step.ID,
			"error": dispatchErr.Error(),
		}); err != nil {
			return outcome, domain.Metrics{}, err
		}
		return outcome, domain.Metrics{}, nil
	}

	checks := eval.RunChecks(step, role, wf.QualityChecks, result.Output)
	outcome.Status = domain.StepCompleted
	outcome.Output = result.Output
	outcome.QualityChecks = checks
	outcome.Suggestions = result.Suggestions
	if _, err := e.updateStepExecutionEvent(ctx, se, StepExecutionUpdate{
		Status:        domain.StepCompleted,
		QualityChecks: checks,
		Suggestions:   result.Suggestions,
	}, "step.completed", actorID, events.EventPayload{
		"step":   step.ID,
		"action": string(step.Action),
		"checks": len(checks),
	}); err != nil {
		return outcome, domain.Metrics{}, err
	}
	return outcome, result.Metrics, nil
}

// gatesSatisfied reports whether every gate the role requires is
// already recorded on the execution.
func gatesSatisfied(exec domain.Execution, role domain.Role) bool {
	for _, g := range role.QualityGates {
		if !exec.Context.HasGate(g) {
			return false
		}
	}
	return true
}

// saveProgress persists step bookkeeping without an event of its own.
func (e Engine) saveProgress(ctx context.Context, exec domain.Execution) error {
	exec.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateExecution(ctx, tx, exec); err != nil {
		return err
	}
	return tx.Commit()
}
