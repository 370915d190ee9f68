package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"baton/internal/config"
	"baton/internal/db"
	"baton/internal/domain"
	"baton/internal/engine"
	"baton/internal/migrate"
)

type testEnv struct {
	ctx context.Context
	eng engine.Engine
}

// newTestEnv opens a throwaway sqlite workspace and wires an engine with
// a deterministic clock advancing two seconds per reading.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	eng, err := engine.New(conn, config.Default("default"))
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var ticks int
	eng.Now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * 2 * time.Second)
	}
	ctx := context.Background()
	if err := eng.SeedDefinitions(ctx); err != nil {
		t.Fatal(err)
	}
	return &testEnv{ctx: ctx, eng: eng}
}

func (env *testEnv) importBasicWorkflow(t *testing.T) domain.Workflow {
	t.Helper()
	wf := domain.Workflow{
		ID: "wf-basic",
		Steps: []domain.Step{
			{ID: "s1", Name: "Outline", Action: domain.ActionAnalyze, Order: 1},
		},
	}
	wf, err := env.eng.ImportWorkflow(env.ctx, wf, "tester")
	if err != nil {
		t.Fatal(err)
	}
	return wf
}

func (env *testEnv) startExecution(t *testing.T, opts engine.CreateExecutionOptions) domain.Execution {
	t.Helper()
	exec, err := env.eng.CreateExecution(env.ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	return exec
}

func TestImportWorkflowValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		wf   domain.Workflow
		want string
	}{
		{"missing id", domain.Workflow{}, "workflow id is required"},
		{"no steps", domain.Workflow{ID: "wf"}, "workflow has no steps"},
		{"duplicate step", domain.Workflow{ID: "wf", Steps: []domain.Step{
			{ID: "s1", Action: domain.ActionCreate},
			{ID: "s1", Action: domain.ActionTest},
		}}, "duplicate step id s1"},
		{"bad action", domain.Workflow{ID: "wf", Steps: []domain.Step{
			{ID: "s1", Action: "deploy"},
		}}, `unknown action "deploy"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.eng.ImportWorkflow(env.ctx, tc.wf, "tester")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want %q", err, tc.want)
			}
		})
	}
}

func TestImportWorkflowDefaultsName(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.eng.ImportWorkflow(env.ctx, domain.Workflow{
		ID:    "wf-unnamed",
		Steps: []domain.Step{{ID: "s1", Action: domain.ActionCreate}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if wf.Name != "wf-unnamed" {
		t.Fatalf("name defaulted to %q", wf.Name)
	}
	if wf.CreatedAt == "" {
		t.Fatal("created_at not stamped")
	}
}

func TestCreateExecutionRoleSelection(t *testing.T) {
	env := newTestEnv(t)
	wf := env.importBasicWorkflow(t)

	exec := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID, Role: "reviewer"})
	if exec.CurrentRole != "reviewer" {
		t.Fatalf("explicit role ignored: %s", exec.CurrentRole)
	}

	exec = env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID, AgentProfile: "cursor"})
	if exec.CurrentRole != "implementer" {
		t.Fatalf("agent profile role: got %s want implementer", exec.CurrentRole)
	}

	exec = env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID})
	if exec.CurrentRole != "planner" {
		t.Fatalf("first registry role: got %s want planner", exec.CurrentRole)
	}
	if exec.Status != domain.ExecutionRunning {
		t.Fatalf("status %s", exec.Status)
	}
	if exec.Metrics != (domain.Metrics{}) {
		t.Fatalf("metrics should start at zero: %+v", exec.Metrics)
	}
	if exec.StartedAt == "" {
		t.Fatal("started_at not stamped")
	}
}

func TestCreateExecutionRejections(t *testing.T) {
	env := newTestEnv(t)
	wf := env.importBasicWorkflow(t)

	if _, err := env.eng.CreateExecution(env.ctx, engine.CreateExecutionOptions{WorkflowID: "nope"}); err == nil {
		t.Fatal("unknown workflow accepted")
	}
	if _, err := env.eng.CreateExecution(env.ctx, engine.CreateExecutionOptions{WorkflowID: wf.ID, Role: "ghost"}); err == nil {
		t.Fatal("unknown role accepted")
	}
	if _, err := env.eng.CreateExecution(env.ctx, engine.CreateExecutionOptions{WorkflowID: wf.ID, AgentProfile: "ghost"}); err == nil {
		t.Fatal("unknown agent profile accepted")
	}
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t)
	wf := env.importBasicWorkflow(t)
	exec := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID})

	paused, err := env.eng.PauseExecution(env.ctx, exec.ID, "waiting on design review", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if paused.Status != domain.ExecutionPaused || paused.Context.PauseReason != "waiting on design review" {
		t.Fatalf("pause state: %s / %q", paused.Status, paused.Context.PauseReason)
	}

	if _, err := env.eng.PauseExecution(env.ctx, exec.ID, "again", "tester"); err == nil {
		t.Fatal("pausing a paused execution should fail")
	}

	resumed, err := env.eng.ResumeExecution(env.ctx, exec.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != domain.ExecutionRunning || resumed.Context.PauseReason != "" {
		t.Fatalf("resume state: %s / %q", resumed.Status, resumed.Context.PauseReason)
	}

	if _, err := env.eng.ResumeExecution(env.ctx, exec.ID, "tester"); err == nil {
		t.Fatal("resuming a running execution should fail")
	}
}

func TestTerminalExecutionRejectsMutation(t *testing.T) {
	env := newTestEnv(t)
	wf := env.importBasicWorkflow(t)
	exec := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID})

	if _, err := env.eng.CompleteExecution(env.ctx, exec.ID, domain.Metrics{}, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.PauseExecution(env.ctx, exec.ID, "r", "tester"); !errors.Is(err, engine.ErrTerminal) {
		t.Fatalf("pause after complete: %v", err)
	}
	if _, err := env.eng.TransitionRole(env.ctx, exec.ID, "implementer", "", nil, "", "tester"); !errors.Is(err, engine.ErrTerminal) {
		t.Fatalf("transition after complete: %v", err)
	}
	if _, err := env.eng.AddStepExecution(env.ctx, exec.ID, "s1", "planner"); !errors.Is(err, engine.ErrTerminal) {
		t.Fatalf("step attempt after complete: %v", err)
	}
}

func TestTransitionRoleAppendsHistory(t *testing.T) {
	env := newTestEnv(t)
	wf := env.importBasicWorkflow(t)
	exec := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID})

	decisions := []string{"split the parser into its own package"}
	moved, err := env.eng.TransitionRole(env.ctx, exec.ID, "implementer", "plan attached", decisions, "plan approved", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if moved.CurrentRole != "implementer" {
		t.Fatalf("current role %s", moved.CurrentRole)
	}

	stored, err := env.eng.Repo.GetExecution(env.ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.RoleHistory) != 1 {
		t.Fatalf("history length %d", len(stored.RoleHistory))
	}
	tr := stored.RoleHistory[0]
	if tr.FromRole != "planner" || tr.ToRole != "implementer" || tr.HandoffNotes != "plan attached" || tr.Rationale != "plan approved" {
		t.Fatalf("transition record: %+v", tr)
	}
	if len(stored.Context.Decisions) != 1 || stored.Context.Decisions[0] != decisions[0] {
		t.Fatalf("decisions not folded into context: %+v", stored.Context.Decisions)
	}
}

func TestFailExecution(t *testing.T) {
	env := newTestEnv(t)
	wf := env.importBasicWorkflow(t)
	exec := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID})

	failed, err := env.eng.FailExecution(env.ctx, exec.ID, "agent gave up", "context exceeded", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != domain.ExecutionFailed || !failed.Terminal() {
		t.Fatalf("status %s", failed.Status)
	}
	if failed.Context.FailureReason != "agent gave up" || failed.Context.FailureError != "context exceeded" {
		t.Fatalf("failure context: %+v", failed.Context)
	}
	if failed.Context.FailedAt == "" || failed.CompletedAt == nil {
		t.Fatal("failure timestamps missing")
	}
}

func TestCompleteMergesFinalMetrics(t *testing.T) {
	env := newTestEnv(t)
	wf := env.importBasicWorkflow(t)
	exec := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID})

	done, err := env.eng.CompleteExecution(env.ctx, exec.ID, domain.Metrics{Coverage: 82.5, QualityScore: 90}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if done.Metrics.Coverage != 82.5 || done.Metrics.QualityScore != 90 {
		t.Fatalf("final metrics not merged: %+v", done.Metrics)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed_at missing")
	}
}

func TestStepExecutionTimestamps(t *testing.T) {
	env := newTestEnv(t)
	wf := env.importBasicWorkflow(t)
	exec := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID})

	se, err := env.eng.AddStepExecution(env.ctx, exec.ID, "s1", "planner")
	if err != nil {
		t.Fatal(err)
	}
	if se.Status != domain.StepPending || se.StartedAt != nil || se.CompletedAt != nil {
		t.Fatalf("pending attempt: %+v", se)
	}

	se, err = env.eng.UpdateStepExecution(env.ctx, se.ID, engine.StepExecutionUpdate{Status: domain.StepRunning})
	if err != nil {
		t.Fatal(err)
	}
	if se.StartedAt == nil {
		t.Fatal("started_at not stamped on running")
	}
	started := *se.StartedAt

	// The clock advances on every update; StartedAt must not move.
	se, err = env.eng.UpdateStepExecution(env.ctx, se.ID, engine.StepExecutionUpdate{Status: domain.StepRunning})
	if err != nil {
		t.Fatal(err)
	}
	if *se.StartedAt != started {
		t.Fatalf("started_at re-stamped: %s -> %s", started, *se.StartedAt)
	}

	se, err = env.eng.UpdateStepExecution(env.ctx, se.ID, engine.StepExecutionUpdate{Status: domain.StepCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if se.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}
	if *se.StartedAt != started {
		t.Fatalf("started_at changed on completion: %s", *se.StartedAt)
	}

	if _, err := env.eng.UpdateStepExecution(env.ctx, se.ID, engine.StepExecutionUpdate{Status: "skipped"}); err == nil {
		t.Fatal("unknown status accepted")
	}
}

func TestExecutionMetrics(t *testing.T) {
	env := newTestEnv(t)
	wf := env.importBasicWorkflow(t)
	exec := env.startExecution(t, engine.CreateExecutionOptions{WorkflowID: wf.ID})

	m, err := env.eng.ExecutionMetrics(env.ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalSteps != 0 || m.SuccessRate != 0 || m.AverageStepTime != 0 {
		t.Fatalf("fresh execution metrics: %+v", m)
	}

	good, err := env.eng.AddStepExecution(env.ctx, exec.ID, "s1", "planner")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.UpdateStepExecution(env.ctx, good.ID, engine.StepExecutionUpdate{Status: domain.StepRunning}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.UpdateStepExecution(env.ctx, good.ID, engine.StepExecutionUpdate{Status: domain.StepCompleted}); err != nil {
		t.Fatal(err)
	}

	bad, err := env.eng.AddStepExecution(env.ctx, exec.ID, "s1", "planner")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.UpdateStepExecution(env.ctx, bad.ID, engine.StepExecutionUpdate{Status: domain.StepFailed, Error: "boom"}); err != nil {
		t.Fatal(err)
	}

	m, err = env.eng.ExecutionMetrics(env.ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalSteps != 2 || m.CompletedSteps != 1 {
		t.Fatalf("attempt counts: %+v", m)
	}
	if m.SuccessRate != 0.5 {
		t.Fatalf("success rate %v", m.SuccessRate)
	}
	if m.AverageStepTime <= 0 {
		t.Fatalf("average step time %v", m.AverageStepTime)
	}
}
