package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"baton/internal/config"
	"baton/internal/domain"
	"baton/internal/engine/dispatch"
	"baton/internal/events"
	"baton/internal/registry"
	"baton/internal/repo"
)

var (
	// ErrTerminal rejects mutations of completed or failed executions.
	ErrTerminal = errors.New("execution is terminal")
	// ErrPaused rejects processing of a paused execution.
	ErrPaused = errors.New("execution is paused")
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Config     *config.Config
	Now        func() time.Time

	locks *executionLocks
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	reg, err := registry.New(cfg)
	if err != nil {
		return Engine{}, err
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:         db,
		Repo:       r,
		Events:     events.Writer{DB: db},
		Registry:   reg,
		Dispatcher: dispatch.New(r),
		Config:     cfg,
		Now:        time.Now,
		locks:      newExecutionLocks(),
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// executionLocks serializes read-modify-write cycles per execution id so
// concurrent callers cannot lose updates.
type executionLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newExecutionLocks() *executionLocks {
	return &executionLocks{m: map[string]*sync.Mutex{}}
}

func (l *executionLocks) lock(id string) func() {
	l.mu.Lock()
	lk, ok := l.m[id]
	if !ok {
		lk = &sync.Mutex{}
		l.m[id] = lk
	}
	l.mu.Unlock()
	lk.Lock()
	return lk.Unlock
}

// SeedDefinitions writes the config's quality rules and templates into
// the store so the evaluator and dispatcher read everything through the
// same collaborator interface.
func (e Engine) SeedDefinitions(ctx context.Context) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	for _, rule := range e.Config.DomainRules() {
		if err := e.Repo.UpsertQualityRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %s: %w", rule.ID, err)
		}
	}
	for _, tpl := range e.Config.DomainTemplates() {
		if err := e.Repo.UpsertTemplate(ctx, tpl); err != nil {
			return fmt.Errorf("seed template %s: %w", tpl.ID, err)
		}
	}
	return nil
}

// ImportWorkflow validates and stores a workflow definition.
func (e Engine) ImportWorkflow(ctx context.Context, wf domain.Workflow, actorID string) (domain.Workflow, error) {
	if wf.ID == "" {
		return wf, errors.New("workflow id is required")
	}
	if len(wf.Steps) == 0 {
		return wf, errors.New("workflow has no steps")
	}
	seen := map[string]bool{}
	for _, s := range wf.Steps {
		if s.ID == "" {
			return wf, errors.New("workflow step has empty id")
		}
		if seen[s.ID] {
			return wf, fmt.Errorf("duplicate step id %s", s.ID)
		}
		seen[s.ID] = true
		if !s.Action.Valid() {
			return wf, fmt.Errorf("step %s has unknown action %q", s.ID, s.Action)
		}
	}
	if wf.Name == "" {
		wf.Name = wf.ID
	}
	wf.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wf, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkflow(ctx, tx, wf); err != nil {
		return wf, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.imported", "", "workflow", wf.ID, actorID, events.EventPayload{"steps": len(wf.Steps)}); err != nil {
		return wf, err
	}
	if err := tx.Commit(); err != nil {
		return wf, err
	}
	return wf, nil
}

// CreateExecutionOptions are parameters for starting an execution.
type CreateExecutionOptions struct {
	ID           string
	WorkflowID   string
	Role         string
	AgentProfile string
	Variables    map[string]string
	ActorID      string
}

// CreateExecution starts a workflow run. The initial role comes from an
// explicit role id, else the agent profile's first supported role, else
// the first role in the registry. Metrics always start at zero.
func (e Engine) CreateExecution(ctx context.Context, opts CreateExecutionOptions) (domain.Execution, error) {
	if e.Config == nil {
		return domain.Execution{}, errors.New("config not loaded")
	}
	if opts.WorkflowID == "" {
		return domain.Execution{}, errors.New("workflow is required")
	}
	if _, err := e.Repo.GetWorkflow(ctx, opts.WorkflowID); err != nil {
		return domain.Execution{}, err
	}
	roleID := opts.Role
	if roleID == "" && opts.AgentProfile != "" {
		supported := e.Registry.RolesForAgent(opts.AgentProfile)
		if len(supported) == 0 {
			return domain.Execution{}, fmt.Errorf("agent profile %s unknown or supports no roles", opts.AgentProfile)
		}
		roleID = supported[0].ID
	}
	if roleID == "" {
		roles := e.Registry.Roles()
		roleID = roles[0].ID
	}
	if _, ok := e.Registry.Role(roleID); !ok {
		return domain.Execution{}, fmt.Errorf("invalid role %s", roleID)
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.New().String()
	}
	exec := domain.Execution{
		ID:             id,
		WorkflowID:     opts.WorkflowID,
		CurrentRole:    roleID,
		Status:         domain.ExecutionRunning,
		CompletedSteps: []string{},
		Context:        domain.ExecutionContext{Variables: opts.Variables},
		CreatedAt:      now,
		UpdatedAt:      now,
		StartedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExecution(ctx, tx, exec); err != nil {
		return exec, err
	}
	if err := e.Events.Append(ctx, tx, "execution.created", exec.ID, "execution", exec.ID, opts.ActorID, events.EventPayload{
		"workflow": exec.WorkflowID,
		"role":     exec.CurrentRole,
	}); err != nil {
		return exec, err
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	exec.RoleHistory = []domain.RoleTransition{}
	return exec, nil
}

// loadMutable fetches an execution and rejects terminal ones.
func (e Engine) loadMutable(ctx context.Context, id string) (domain.Execution, error) {
	exec, err := e.Repo.GetExecution(ctx, id)
	if err != nil {
		return exec, err
	}
	if exec.Terminal() {
		return exec, fmt.Errorf("execution %s: %w", id, ErrTerminal)
	}
	return exec, nil
}

// AddStepExecution records a pending step attempt for an execution.
func (e Engine) AddStepExecution(ctx context.Context, executionID, stepID, roleID string) (domain.StepExecution, error) {
	unlock := e.locks.lock(executionID)
	defer unlock()
	if _, err := e.loadMutable(ctx, executionID); err != nil {
		return domain.StepExecution{}, err
	}
	return e.addStepExecution(ctx, executionID, stepID, roleID)
}

func (e Engine) addStepExecution(ctx context.Context, executionID, stepID, roleID string) (domain.StepExecution, error) {
	se := domain.StepExecution{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		StepID:      stepID,
		RoleID:      roleID,
		Status:      domain.StepPending,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return se, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStepExecution(ctx, tx, se); err != nil {
		return se, err
	}
	if err := tx.Commit(); err != nil {
		return se, err
	}
	return se, nil
}

// StepExecutionUpdate is a partial update for a step attempt.
type StepExecutionUpdate struct {
	Status        string
	Error         string
	QualityChecks []domain.QualityCheckResult
	Suggestions   []string
}

// UpdateStepExecution applies a partial update. Moving to running stamps
// StartedAt exactly once; reaching completed or failed stamps
// CompletedAt exactly once.
func (e Engine) UpdateStepExecution(ctx context.Context, id string, upd StepExecutionUpdate) (domain.StepExecution, error) {
	se, err := e.Repo.GetStepExecution(ctx, id)
	if err != nil {
		return se, err
	}
	unlock := e.locks.lock(se.ExecutionID)
	defer unlock()
	if _, err := e.loadMutable(ctx, se.ExecutionID); err != nil {
		return se, err
	}
	// Re-read under the lock.
	se, err = e.Repo.GetStepExecution(ctx, id)
	if err != nil {
		return se, err
	}
	return e.updateStepExecution(ctx, se, upd)
}

func (e Engine) applyStepUpdate(se domain.StepExecution, upd StepExecutionUpdate) (domain.StepExecution, error) {
	now := e.now().UTC().Format(time.RFC3339)
	if upd.Status != "" {
		switch upd.Status {
		case domain.StepPending, domain.StepRunning, domain.StepCompleted, domain.StepFailed:
		default:
			return se, fmt.Errorf("unknown step status %q", upd.Status)
		}
		se.Status = upd.Status
		if upd.Status == domain.StepRunning && se.StartedAt == nil {
			se.StartedAt = &now
		}
		if (upd.Status == domain.StepCompleted || upd.Status == domain.StepFailed) && se.CompletedAt == nil {
			se.CompletedAt = &now
		}
	}
	if upd.Error != "" {
		se.Error = upd.Error
	}
	if upd.QualityChecks != nil {
		se.QualityChecks = upd.QualityChecks
	}
	if upd.Suggestions != nil {
		se.Suggestions = upd.Suggestions
	}
	return se, nil
}

func (e Engine) updateStepExecution(ctx context.Context, se domain.StepExecution, upd StepExecutionUpdate) (domain.StepExecution, error) {
	se, err := e.applyStepUpdate(se, upd)
	if err != nil {
		return se, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return se, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStepExecution(ctx, tx, se); err != nil {
		return se, err
	}
	if err := tx.Commit(); err != nil {
		return se, err
	}
	return se, nil
}

// updateStepExecutionEvent applies the update and appends the event in
// the same transaction, so the step row and its event commit or roll
// back together.
func (e Engine) updateStepExecutionEvent(ctx context.Context, se domain.StepExecution, upd StepExecutionUpdate, evtType, actorID string, payload events.EventPayload) (domain.StepExecution, error) {
	se, err := e.applyStepUpdate(se, upd)
	if err != nil {
		return se, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return se, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStepExecution(ctx, tx, se); err != nil {
		return se, err
	}
	if err := e.Events.Append(ctx, tx, evtType, se.ExecutionID, "step_execution", se.ID, actorID, payload); err != nil {
		return se, err
	}
	if err := tx.Commit(); err != nil {
		return se, err
	}
	return se, nil
}

// TransitionRole appends one transition record and moves the execution
// to toRoleID. It does not validate reachability or gates; callers run
// Registry.ValidateRoleTransition first.
func (e Engine) TransitionRole(ctx context.Context, executionID, toRoleID, handoffNotes string, decisions []string, rationale, actorID string) (domain.Execution, error) {
	unlock := e.locks.lock(executionID)
	defer unlock()
	exec, err := e.loadMutable(ctx, executionID)
	if err != nil {
		return exec, err
	}
	return e.transitionRole(ctx, exec, toRoleID, handoffNotes, decisions, rationale, actorID)
}

func (e Engine) transitionRole(ctx context.Context, exec domain.Execution, toRoleID, handoffNotes string, decisions []string, rationale, actorID string) (domain.Execution, error) {
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.RoleTransition{
		FromRole:     exec.CurrentRole,
		ToRole:       toRoleID,
		TS:           now,
		HandoffNotes: handoffNotes,
		Decisions:    decisions,
		Rationale:    rationale,
	}
	exec.CurrentRole = toRoleID
	exec.UpdatedAt = now
	exec.Context.Decisions = append(exec.Context.Decisions, decisions...)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRoleTransition(ctx, tx, exec.ID, t); err != nil {
		return exec, err
	}
	if err := e.Repo.UpdateExecution(ctx, tx, exec); err != nil {
		return exec, err
	}
	if err := e.Events.Append(ctx, tx, "role.transitioned", exec.ID, "transition", exec.ID, actorID, events.EventPayload{
		"from": t.FromRole,
		"to":   t.ToRole,
	}); err != nil {
		return exec, err
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	exec.RoleHistory = append(exec.RoleHistory, t)
	return exec, nil
}

// PauseExecution suspends a running execution.
func (e Engine) PauseExecution(ctx context.Context, executionID, reason, actorID string) (domain.Execution, error) {
	unlock := e.locks.lock(executionID)
	defer unlock()
	exec, err := e.loadMutable(ctx, executionID)
	if err != nil {
		return exec, err
	}
	if exec.Status != domain.ExecutionRunning {
		return exec, fmt.Errorf("only running executions can be paused (status %s)", exec.Status)
	}
	exec.Status = domain.ExecutionPaused
	exec.Context.PauseReason = reason
	exec.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	return e.saveWithEvent(ctx, exec, "execution.paused", actorID, events.EventPayload{"reason": reason})
}

// ResumeExecution returns a paused execution to running and clears the
// pause reason.
func (e Engine) ResumeExecution(ctx context.Context, executionID, actorID string) (domain.Execution, error) {
	unlock := e.locks.lock(executionID)
	defer unlock()
	exec, err := e.loadMutable(ctx, executionID)
	if err != nil {
		return exec, err
	}
	if exec.Status != domain.ExecutionPaused {
		return exec, fmt.Errorf("only paused executions can be resumed (status %s)", exec.Status)
	}
	exec.Status = domain.ExecutionRunning
	exec.Context.PauseReason = ""
	exec.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	return e.saveWithEvent(ctx, exec, "execution.resumed", actorID, events.EventPayload{})
}

// CompleteExecution moves the execution to its completed terminal state
// and merges final metrics.
func (e Engine) CompleteExecution(ctx context.Context, executionID string, finalMetrics domain.Metrics, actorID string) (domain.Execution, error) {
	unlock := e.locks.lock(executionID)
	defer unlock()
	exec, err := e.loadMutable(ctx, executionID)
	if err != nil {
		return exec, err
	}
	return e.completeExecution(ctx, exec, finalMetrics, actorID)
}

func (e Engine) completeExecution(ctx context.Context, exec domain.Execution, finalMetrics domain.Metrics, actorID string) (domain.Execution, error) {
	mergeFinalMetrics(&exec.Metrics, finalMetrics)
	now := e.now().UTC().Format(time.RFC3339)
	exec.Status = domain.ExecutionCompleted
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	return e.saveWithEvent(ctx, exec, "execution.completed", actorID, events.EventPayload{
		"steps": len(exec.CompletedSteps),
	})
}

// mergeFinalMetrics overwrites fields the caller supplied; complete is
// the one place a counter may be reset downward.
func mergeFinalMetrics(m *domain.Metrics, final domain.Metrics) {
	if final.FilesCreated != 0 {
		m.FilesCreated = final.FilesCreated
	}
	if final.FilesModified != 0 {
		m.FilesModified = final.FilesModified
	}
	if final.TestsWritten != 0 {
		m.TestsWritten = final.TestsWritten
	}
	if final.Coverage != 0 {
		m.Coverage = final.Coverage
	}
	if final.QualityScore != 0 {
		m.QualityScore = final.QualityScore
	}
}

// FailExecution moves the execution to its failed terminal state and
// records the reason in context.
func (e Engine) FailExecution(ctx context.Context, executionID, reason, errMsg, actorID string) (domain.Execution, error) {
	unlock := e.locks.lock(executionID)
	defer unlock()
	exec, err := e.loadMutable(ctx, executionID)
	if err != nil {
		return exec, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	exec.Status = domain.ExecutionFailed
	exec.Context.FailureReason = reason
	exec.Context.FailureError = errMsg
	exec.Context.FailedAt = now
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	return e.saveWithEvent(ctx, exec, "execution.failed", actorID, events.EventPayload{
		"reason": reason,
		"error":  errMsg,
	})
}

func (e Engine) saveWithEvent(ctx context.Context, exec domain.Execution, evtType, actorID string, payload events.EventPayload) (domain.Execution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateExecution(ctx, tx, exec); err != nil {
		return exec, err
	}
	if err := e.Events.Append(ctx, tx, evtType, exec.ID, "execution", exec.ID, actorID, payload); err != nil {
		return exec, err
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	return exec, nil
}

// ExecutionMetrics derives the summary metrics for one execution.
func (e Engine) ExecutionMetrics(ctx context.Context, executionID string) (domain.ExecutionMetrics, error) {
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return domain.ExecutionMetrics{}, err
	}
	attempts, err := e.Repo.ListStepExecutions(ctx, executionID)
	if err != nil {
		return domain.ExecutionMetrics{}, err
	}
	m := domain.ExecutionMetrics{
		TotalSteps:      len(attempts),
		QualityScore:    exec.Metrics.QualityScore,
		RoleTransitions: len(exec.RoleHistory),
	}
	var totalSeconds float64
	var timed int
	for _, se := range attempts {
		if se.Status != domain.StepCompleted {
			continue
		}
		m.CompletedSteps++
		if se.StartedAt == nil || se.CompletedAt == nil {
			continue
		}
		start, err1 := time.Parse(time.RFC3339, *se.StartedAt)
		end, err2 := time.Parse(time.RFC3339, *se.CompletedAt)
		if err1 != nil || err2 != nil {
			continue
		}
		totalSeconds += end.Sub(start).Seconds()
		timed++
	}
	if m.TotalSteps > 0 {
		m.SuccessRate = float64(m.CompletedSteps) / float64(m.TotalSteps)
	}
	if timed > 0 {
		m.AverageStepTime = totalSeconds / float64(timed)
	}
	return m, nil
}
