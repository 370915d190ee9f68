package engine_test

import (
	"errors"
	"strings"
	"testing"

	"baton/internal/domain"
	"baton/internal/engine"
)

func (env *testEnv) importFeatureWorkflow(t *testing.T) domain.Workflow {
	t.Helper()
	wf := domain.Workflow{
		ID:   "wf-feature",
		Name: "Feature delivery",
		Steps: []domain.Step{
			{ID: "s-plan", Name: "Draft plan", Action: domain.ActionAnalyze, TemplateID: "plan.outline", Order: 1},
			{ID: "s-impl", Name: "Implement", Action: domain.ActionCreate, RuleIDs: []string{"lint.todo", "lint.debug"}, Order: 2},
			{ID: "s-test", Name: "Write tests", Action: domain.ActionTest, RuleIDs: []string{"tests.assert"}, Order: 3},
			{ID: "s-review", Name: "Review", Action: domain.ActionValidate, TemplateID: "review.checklist", Order: 4},
			{ID: "s-docs", Name: "Document", Action: domain.ActionDocument, Order: 5},
		},
	}
	wf, err := env.eng.ImportWorkflow(env.ctx, wf, "tester")
	if err != nil {
		t.Fatal(err)
	}
	return wf
}

// TestProcessRoleFullLifecycle drives one execution from planner to
// completion through four processing passes.
func TestProcessRoleFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	wf := env.importFeatureWorkflow(t)
	exec := env.startExecution(t, engine.CreateExecutionOptions{
		WorkflowID: wf.ID,
		Variables: map[string]string{
			"feature":  "search",
			"goals":    "index docs; rank results",
			"approach": "inverted index over the corpus",
			"verdict":  "approved",
		},
	})
	if exec.CurrentRole != "planner" {
		t.Fatalf("initial role %s", exec.CurrentRole)
	}

	// Planner: the plan template carries a goals section, so the
	// plan.reviewed gate is earned and the execution hands off.
	res, err := env.eng.ProcessRole(env.ctx, exec.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Transitioned || res.Completed {
		t.Fatalf("planner pass: %+v", res)
	}
	if res.CurrentRole != "implementer" {
		t.Fatalf("after planner: role %s", res.CurrentRole)
	}
	if len(res.Steps) != 1 || res.Steps[0].StepID != "s-plan" {
		t.Fatalf("planner steps: %+v", res.Steps)
	}
	if len(res.Suggestions) != 2 {
		t.Fatalf("analyze suggestions: %+v", res.Suggestions)
	}

	// Implementer: both steps run in order and earn code.clean and
	// tests.present.
	res, err = env.eng.ProcessRole(env.ctx, exec.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Transitioned || res.CurrentRole != "reviewer" {
		t.Fatalf("implementer pass: %+v", res)
	}
	if len(res.Steps) != 2 || res.Steps[0].StepID != "s-impl" || res.Steps[1].StepID != "s-test" {
		t.Fatalf("implementer steps: %+v", res.Steps)
	}
	if res.Metrics.FilesCreated != 1 || res.Metrics.TestsWritten != 1 {
		t.Fatalf("implementer metrics: %+v", res.Metrics)
	}
	if res.Metrics.QualityScore != 100 {
		t.Fatalf("quality score %v", res.Metrics.QualityScore)
	}

	// Reviewer: the checklist records a verdict, earning review.recorded.
	res, err = env.eng.ProcessRole(env.ctx, exec.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Transitioned || res.CurrentRole != "documenter" {
		t.Fatalf("reviewer pass: %+v", res)
	}

	// Documenter is terminal: the last step completes the execution.
	res, err = env.eng.ProcessRole(env.ctx, exec.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Completed || res.Transitioned {
		t.Fatalf("documenter pass: %+v", res)
	}

	final, err := env.eng.Repo.GetExecution(env.ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.ExecutionCompleted {
		t.Fatalf("final status %s", final.Status)
	}
	if len(final.RoleHistory) != 3 {
		t.Fatalf("role transitions: %d", len(final.RoleHistory))
	}
	if len(final.CompletedSteps) != 5 {
		t.Fatalf("completed steps: %+v", final.CompletedSteps)
	}
	if final.Metrics.FilesCreated != 2 || final.Metrics.TestsWritten != 1 {
		t.Fatalf("final metrics: %+v", final.Metrics)
	}
	for _, gate := range []string{"plan.reviewed", "code.clean", "tests.present", "review.recorded"} {
		if !final.Context.HasGate(gate) {
			t.Fatalf("gate %s not recorded (have %v)", gate, final.Context.QualityGates)
		}
	}

	m, err := env.eng.ExecutionMetrics(env.ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalSteps != 5 || m.CompletedSteps != 5 || m.SuccessRate != 1 {
		t.Fatalf("derived metrics: %+v", m)
	}
	if m.RoleTransitions != 3 {
		t.Fatalf("derived transitions: %d", m.RoleTransitions)
	}
}

// TestProcessRoleBlockedByQualityChecks runs a planner whose artifact
// carries no goals section, so plan.sections fails and the execution
// stays put.
func TestProcessRoleBlockedByQualityChecks(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.eng.ImportWorkflow(env.ctx, domain.Workflow{
		ID: "wf-bare-plan",
		Steps: []domain.Step{
			{ID: "s-plan", Name: "Draft plan", Action: domain.ActionAnalyze, Order: 1},
		},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	exec := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID})

	res, err := env.eng.ProcessRole(env.ctx, exec.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Transitioned || res.Completed {
		t.Fatalf("should be blocked: %+v", res)
	}
	if res.Blocked != "quality checks failed" {
		t.Fatalf("blocked reason %q", res.Blocked)
	}
	if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "plan.sections") {
		t.Fatalf("errors: %+v", res.Errors)
	}

	stored, err := env.eng.Repo.GetExecution(env.ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CurrentRole != "planner" || stored.Status != domain.ExecutionRunning {
		t.Fatalf("execution moved: %s/%s", stored.CurrentRole, stored.Status)
	}
	// The step itself completed; only the handoff is blocked.
	if !stored.HasCompletedStep("s-plan") {
		t.Fatal("step completion lost")
	}
}

// TestProcessRoleBlockedByMissingGate passes every check but leaves one
// of the role's own gates unearned, so the handoff is refused.
func TestProcessRoleBlockedByMissingGate(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.eng.ImportWorkflow(env.ctx, domain.Workflow{
		ID: "wf-tests-only",
		Steps: []domain.Step{
			{ID: "s-test", Name: "Write tests", Action: domain.ActionTest, RuleIDs: []string{"tests.assert"}, Order: 1},
		},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	exec := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID, Role: "implementer"})

	res, err := env.eng.ProcessRole(env.ctx, exec.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Transitioned {
		t.Fatalf("handoff should be refused: %+v", res)
	}
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "missing gates code.clean") {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing-gate error absent: %+v", res.Errors)
	}

	stored, err := env.eng.Repo.GetExecution(env.ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CurrentRole != "implementer" {
		t.Fatalf("role moved to %s", stored.CurrentRole)
	}
	if !stored.Context.HasGate("tests.present") {
		t.Fatal("earned gate lost")
	}
}

// TestProcessRoleRetryAfterStepFailure exercises the failure path: a
// step referencing a missing template fails without aborting the batch,
// and a later pass retries only the failed step.
func TestProcessRoleRetryAfterStepFailure(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.eng.ImportWorkflow(env.ctx, domain.Workflow{
		ID: "wf-retry",
		Steps: []domain.Step{
			{ID: "s-a", Name: "Scaffold", Action: domain.ActionCreate, TemplateID: "scaffold.tpl", RuleIDs: []string{"lint.todo"}, Order: 1},
			{ID: "s-b", Name: "Adjust", Action: domain.ActionModify, RuleIDs: []string{"lint.debug"}, Order: 2},
		},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	exec := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID, Role: "implementer"})

	res, err := env.eng.ProcessRole(env.ctx, exec.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatalf("pass with a failed step reported success: %+v", res)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("both steps should be attempted: %+v", res.Steps)
	}
	if res.Steps[0].Status != domain.StepFailed || !strings.Contains(res.Steps[0].Error, "template scaffold.tpl not found") {
		t.Fatalf("first step outcome: %+v", res.Steps[0])
	}
	if res.Steps[1].Status != domain.StepCompleted {
		t.Fatalf("second step outcome: %+v", res.Steps[1])
	}
	if len(res.CompletedSteps) != 1 || res.CompletedSteps[0] != "s-b" {
		t.Fatalf("completed steps: %+v", res.CompletedSteps)
	}

	// Supply the template and retry: only s-a runs again.
	err = env.eng.Repo.UpsertTemplate(env.ctx, domain.Template{
		ID:      "scaffold.tpl",
		Name:    "Scaffold",
		Content: "# Scaffold for {{feature}}\n",
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err = env.eng.ProcessRole(env.ctx, exec.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Steps) != 1 || res.Steps[0].StepID != "s-a" || res.Steps[0].Status != domain.StepCompleted {
		t.Fatalf("retry pass steps: %+v", res.Steps)
	}
	if len(res.CompletedSteps) != 2 {
		t.Fatalf("completed steps after retry: %+v", res.CompletedSteps)
	}

	attempts, err := env.eng.Repo.ListStepExecutions(env.ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Fatalf("attempt rows: %d", len(attempts))
	}

	// Every attempt leaves a started event plus its terminal event,
	// committed alongside the matching row update.
	for evtType, want := range map[string]int{
		"step.started":   3,
		"step.completed": 2,
		"step.failed":    1,
	} {
		evts, err := env.eng.Repo.LatestEvents(env.ctx, 10, exec.ID, evtType, "", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(evts) != want {
			t.Fatalf("%s events: got %d want %d", evtType, len(evts), want)
		}
	}
}

// TestProcessRoleReearnsGateAfterTemplateFix covers the recovery path
// for a step that completed with failing checks: fixing the template
// lets a later pass re-evaluate the artifact and earn the gate without
// recording a new attempt.
func TestProcessRoleReearnsGateAfterTemplateFix(t *testing.T) {
	env := newTestEnv(t)
	err := env.eng.Repo.UpsertTemplate(env.ctx, domain.Template{
		ID:      "plan.custom",
		Name:    "Custom plan",
		Content: "# Plan: {{feature}}\n\n## Approach\n{{approach}}\n",
	})
	if err != nil {
		t.Fatal(err)
	}
	wf, err := env.eng.ImportWorkflow(env.ctx, domain.Workflow{
		ID: "wf-custom-plan",
		Steps: []domain.Step{
			{ID: "s-plan", Name: "Draft plan", Action: domain.ActionAnalyze, TemplateID: "plan.custom", Order: 1},
		},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	exec := env.startExecution(t, engine.CreateExecutionOptions{
		WorkflowID: wf.ID,
		Variables:  map[string]string{"feature": "search", "approach": "inverted index"},
	})

	// The template has no goals section, so plan.sections fails and
	// plan.reviewed is never earned.
	res, err := env.eng.ProcessRole(env.ctx, exec.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Transitioned {
		t.Fatalf("first pass should be blocked: %+v", res)
	}
	if res.Blocked != "quality checks failed" {
		t.Fatalf("blocked reason %q", res.Blocked)
	}

	// Fix the template. The step already completed, but the next pass
	// re-renders it and the check now passes.
	err = env.eng.Repo.UpsertTemplate(env.ctx, domain.Template{
		ID:      "plan.custom",
		Name:    "Custom plan",
		Content: "# Plan: {{feature}}\n\n## Goals\n{{feature}}\n\n## Approach\n{{approach}}\n",
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err = env.eng.ProcessRole(env.ctx, exec.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Transitioned {
		t.Fatalf("second pass should hand off: %+v", res)
	}
	if res.CurrentRole != "implementer" {
		t.Fatalf("after recovery: role %s", res.CurrentRole)
	}
	if len(res.Steps) != 0 {
		t.Fatalf("re-evaluation recorded new attempts: %+v", res.Steps)
	}

	stored, err := env.eng.Repo.GetExecution(env.ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Context.HasGate("plan.reviewed") {
		t.Fatalf("gate not earned: %v", stored.Context.QualityGates)
	}
	attempts, err := env.eng.Repo.ListStepExecutions(env.ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempt rows: %d", len(attempts))
	}
}

func TestProcessRoleRejectsPausedAndTerminal(t *testing.T) {
	env := newTestEnv(t)
	wf := env.importBasicWorkflow(t)

	paused := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID})
	if _, err := env.eng.PauseExecution(env.ctx, paused.ID, "hold", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.ProcessRole(env.ctx, paused.ID, "tester"); !errors.Is(err, engine.ErrPaused) {
		t.Fatalf("paused execution: %v", err)
	}

	done := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID})
	if _, err := env.eng.CompleteExecution(env.ctx, done.ID, domain.Metrics{}, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.ProcessRole(env.ctx, done.ID, "tester"); !errors.Is(err, engine.ErrTerminal) {
		t.Fatalf("terminal execution: %v", err)
	}
}
