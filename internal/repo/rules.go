package repo

import (
	"context"
	"database/sql"

	"baton/internal/domain"
)

func (r Repo) UpsertQualityRule(ctx context.Context, rule domain.QualityRule) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO quality_rules(id,name,kind,pattern,severity,gate,description) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, kind=excluded.kind, pattern=excluded.pattern, severity=excluded.severity, gate=excluded.gate, description=excluded.description`,
		rule.ID, rule.Name, rule.Kind, rule.Pattern, rule.Severity, rule.Gate, nullable(rule.Description))
	return err
}

func (r Repo) GetQualityRule(ctx context.Context, id string) (domain.QualityRule, error) {
	var rule domain.QualityRule
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,kind,pattern,severity,gate,description FROM quality_rules WHERE id=?`, id).
		Scan(&rule.ID, &rule.Name, &rule.Kind, &rule.Pattern, &rule.Severity, &rule.Gate, &desc)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if desc.Valid {
		rule.Description = desc.String
	}
	return rule, err
}

// ListQualityRules returns the full rule set in id order.
func (r Repo) ListQualityRules(ctx context.Context) ([]domain.QualityRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,kind,pattern,severity,gate,description FROM quality_rules ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QualityRule
	for rows.Next() {
		var rule domain.QualityRule
		var desc sql.NullString
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Kind, &rule.Pattern, &rule.Severity, &rule.Gate, &desc); err != nil {
			return nil, err
		}
		if desc.Valid {
			rule.Description = desc.String
		}
		res = append(res, rule)
	}
	return res, nil
}

func (r Repo) UpsertTemplate(ctx context.Context, t domain.Template) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO templates(id,name,content) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, content=excluded.content`, t.ID, t.Name, t.Content)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var t domain.Template
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,content FROM templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Content)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,content FROM templates ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var t domain.Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Content); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}
