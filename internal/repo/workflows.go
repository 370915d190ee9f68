package repo

import (
	"context"
	"database/sql"
	"fmt"

	"baton/internal/domain"
)

// InsertWorkflow stores a workflow definition and its ordered steps.
func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	checks, err := marshalJSON(wf.QualityChecks)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,name,description,quality_checks_json,created_at) VALUES (?,?,?,?,?)`,
		wf.ID, wf.Name, nullable(wf.Description), checks, wf.CreatedAt); err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	for _, s := range wf.Steps {
		ruleIDs, err := marshalJSON(s.RuleIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_steps(workflow_id,id,name,action,template_id,rule_ids_json,order_idx) VALUES (?,?,?,?,?,?,?)`,
			wf.ID, s.ID, s.Name, string(s.Action), nullable(s.TemplateID), ruleIDs, s.Order); err != nil {
			return fmt.Errorf("insert step %s: %w", s.ID, err)
		}
	}
	return nil
}

// DeleteWorkflow removes a workflow and, via cascade, its steps.
func (r Repo) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM workflows WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWorkflow loads a workflow with its steps in declared order.
func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	var wf domain.Workflow
	var desc, checks sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,quality_checks_json,created_at FROM workflows WHERE id=?`, id).
		Scan(&wf.ID, &wf.Name, &desc, &checks, &wf.CreatedAt)
	if err == sql.ErrNoRows {
		return wf, ErrNotFound
	}
	if err != nil {
		return wf, err
	}
	if desc.Valid {
		wf.Description = desc.String
	}
	wf.QualityChecks = unmarshalStrings(checks)
	steps, err := r.listWorkflowSteps(ctx, id)
	if err != nil {
		return wf, err
	}
	wf.Steps = steps
	return wf, nil
}

func (r Repo) listWorkflowSteps(ctx context.Context, workflowID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,action,template_id,rule_ids_json,order_idx FROM workflow_steps WHERE workflow_id=? ORDER BY order_idx ASC, id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.Step
	for rows.Next() {
		var s domain.Step
		var action string
		var templateID, ruleIDs sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &action, &templateID, &ruleIDs, &s.Order); err != nil {
			return nil, err
		}
		s.Action = domain.ActionKind(action)
		if templateID.Valid {
			s.TemplateID = templateID.String
		}
		s.RuleIDs = unmarshalStrings(ruleIDs)
		steps = append(steps, s)
	}
	return steps, nil
}

// ListWorkflows returns all workflow definitions, newest first.
func (r Repo) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,'') AS description,quality_checks_json,created_at FROM workflows ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var wf domain.Workflow
		var checks sql.NullString
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Description, &checks, &wf.CreatedAt); err != nil {
			return nil, err
		}
		wf.QualityChecks = unmarshalStrings(checks)
		res = append(res, wf)
	}
	for i := range res {
		steps, err := r.listWorkflowSteps(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Steps = steps
	}
	return res, nil
}
