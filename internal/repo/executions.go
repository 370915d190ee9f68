package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"baton/internal/domain"
)

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	completed, err := marshalJSON(e.CompletedSteps)
	if err != nil {
		return err
	}
	execCtx, err := marshalJSON(e.Context)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO executions(id,workflow_id,current_role,status,current_step,completed_steps_json,context_json,files_created,files_modified,tests_written,coverage,quality_score,created_at,updated_at,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.WorkflowID, e.CurrentRole, e.Status, nullable(e.CurrentStep), completed, execCtx,
		e.Metrics.FilesCreated, e.Metrics.FilesModified, e.Metrics.TestsWritten, e.Metrics.Coverage, e.Metrics.QualityScore,
		e.CreatedAt, e.UpdatedAt, e.StartedAt, nullableStringPtr(e.CompletedAt))
	return err
}

// UpdateExecution writes every mutable column of the execution row.
func (r Repo) UpdateExecution(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	completed, err := marshalJSON(e.CompletedSteps)
	if err != nil {
		return err
	}
	execCtx, err := marshalJSON(e.Context)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE executions SET current_role=?, status=?, current_step=?, completed_steps_json=?, context_json=?, files_created=?, files_modified=?, tests_written=?, coverage=?, quality_score=?, updated_at=?, completed_at=? WHERE id=?`,
		e.CurrentRole, e.Status, nullable(e.CurrentStep), completed, execCtx,
		e.Metrics.FilesCreated, e.Metrics.FilesModified, e.Metrics.TestsWritten, e.Metrics.Coverage, e.Metrics.QualityScore,
		e.UpdatedAt, nullableStringPtr(e.CompletedAt), e.ID)
	return err
}

func scanExecution(scan func(dest ...any) error) (domain.Execution, error) {
	var e domain.Execution
	var currentStep, completedAt sql.NullString
	var completed, execCtx string
	err := scan(&e.ID, &e.WorkflowID, &e.CurrentRole, &e.Status, &currentStep, &completed, &execCtx,
		&e.Metrics.FilesCreated, &e.Metrics.FilesModified, &e.Metrics.TestsWritten, &e.Metrics.Coverage, &e.Metrics.QualityScore,
		&e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if currentStep.Valid {
		e.CurrentStep = currentStep.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	_ = json.Unmarshal([]byte(completed), &e.CompletedSteps)
	_ = json.Unmarshal([]byte(execCtx), &e.Context)
	return e, nil
}

const executionColumns = `id,workflow_id,current_role,status,current_step,completed_steps_json,context_json,files_created,files_modified,tests_written,coverage,quality_score,created_at,updated_at,started_at,completed_at`

// GetExecution loads an execution with its role-transition history.
func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id)
	e, err := scanExecution(row.Scan)
	if err != nil {
		return e, err
	}
	history, err := r.ListRoleTransitions(ctx, e.ID)
	if err != nil {
		return e, err
	}
	e.RoleHistory = history
	return e, nil
}

type ExecutionFilters struct {
	WorkflowID      string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + executionColumns + ` FROM executions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

func (r Repo) InsertStepExecution(ctx context.Context, tx *sql.Tx, se domain.StepExecution) error {
	quality, err := marshalJSON(se.QualityChecks)
	if err != nil {
		return err
	}
	suggestions, err := marshalJSON(se.Suggestions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO step_executions(id,execution_id,step_id,role_id,status,error,quality_json,suggestions_json,started_at,completed_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		se.ID, se.ExecutionID, se.StepID, se.RoleID, se.Status, nullable(se.Error), quality, suggestions,
		nullableStringPtr(se.StartedAt), nullableStringPtr(se.CompletedAt), se.CreatedAt)
	return err
}

func (r Repo) UpdateStepExecution(ctx context.Context, tx *sql.Tx, se domain.StepExecution) error {
	quality, err := marshalJSON(se.QualityChecks)
	if err != nil {
		return err
	}
	suggestions, err := marshalJSON(se.Suggestions)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE step_executions SET status=?, error=?, quality_json=?, suggestions_json=?, started_at=?, completed_at=? WHERE id=?`,
		se.Status, nullable(se.Error), quality, suggestions, nullableStringPtr(se.StartedAt), nullableStringPtr(se.CompletedAt), se.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStepExecution(scan func(dest ...any) error) (domain.StepExecution, error) {
	var se domain.StepExecution
	var errMsg, quality, suggestions, startedAt, completedAt sql.NullString
	err := scan(&se.ID, &se.ExecutionID, &se.StepID, &se.RoleID, &se.Status, &errMsg, &quality, &suggestions, &startedAt, &completedAt, &se.CreatedAt)
	if err == sql.ErrNoRows {
		return se, ErrNotFound
	}
	if err != nil {
		return se, err
	}
	if errMsg.Valid {
		se.Error = errMsg.String
	}
	if quality.Valid && quality.String != "" {
		_ = json.Unmarshal([]byte(quality.String), &se.QualityChecks)
	}
	se.Suggestions = unmarshalStrings(suggestions)
	if startedAt.Valid {
		se.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		se.CompletedAt = &completedAt.String
	}
	return se, nil
}

const stepExecutionColumns = `id,execution_id,step_id,role_id,status,error,quality_json,suggestions_json,started_at,completed_at,created_at`

func (r Repo) GetStepExecution(ctx context.Context, id string) (domain.StepExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepExecutionColumns+` FROM step_executions WHERE id=?`, id)
	return scanStepExecution(row.Scan)
}

// ListStepExecutions returns every step attempt for an execution in creation order.
func (r Repo) ListStepExecutions(ctx context.Context, executionID string) ([]domain.StepExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepExecutionColumns+` FROM step_executions WHERE execution_id=? ORDER BY created_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepExecution
	for rows.Next() {
		se, err := scanStepExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, se)
	}
	return res, nil
}

func (r Repo) InsertRoleTransition(ctx context.Context, tx *sql.Tx, executionID string, t domain.RoleTransition) error {
	decisions, err := marshalJSON(t.Decisions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO role_transitions(execution_id,from_role,to_role,ts,handoff_notes,decisions_json,rationale) VALUES (?,?,?,?,?,?,?)`,
		executionID, t.FromRole, t.ToRole, t.TS, nullable(t.HandoffNotes), decisions, nullable(t.Rationale))
	return err
}

// ListRoleTransitions returns the transition history oldest first.
func (r Repo) ListRoleTransitions(ctx context.Context, executionID string) ([]domain.RoleTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT from_role,to_role,ts,handoff_notes,decisions_json,rationale FROM role_transitions WHERE execution_id=? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleTransition
	for rows.Next() {
		var t domain.RoleTransition
		var notes, decisions, rationale sql.NullString
		if err := rows.Scan(&t.FromRole, &t.ToRole, &t.TS, &notes, &decisions, &rationale); err != nil {
			return nil, err
		}
		if notes.Valid {
			t.HandoffNotes = notes.String
		}
		t.Decisions = unmarshalStrings(decisions)
		if rationale.Valid {
			t.Rationale = rationale.String
		}
		res = append(res, t)
	}
	return res, nil
}

// CountExecutionsByStatus groups executions of a workflow by status.
func (r Repo) CountExecutionsByStatus(ctx context.Context, workflowID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM executions WHERE workflow_id=? GROUP BY status`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}
