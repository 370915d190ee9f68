package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"baton/internal/domain"
	"baton/internal/repo"
	"baton/internal/template"
)

// TemplateSource supplies template content for steps that reference one.
type TemplateSource interface {
	GetTemplate(ctx context.Context, id string) (domain.Template, error)
}

// Input carries everything a handler may consult. The contract is the
// same for every action kind; handlers are free to be role-aware.
type Input struct {
	Step      domain.Step
	Role      domain.Role
	Variables map[string]string
	Content   string
}

// Result is the outcome of one dispatched step.
type Result struct {
	Output      string
	Metrics     domain.Metrics
	Suggestions []string
}

type Handler func(ctx context.Context, in Input) (Result, error)

// Dispatcher maps each action kind to its handler. The table is closed:
// it is built once in New and covers exactly domain.ActionKinds, so an
// unknown action can only come from bad workflow data and fails the
// step with a configuration error.
type Dispatcher struct {
	templates TemplateSource
	handlers  map[domain.ActionKind]Handler
}

func New(templates TemplateSource) *Dispatcher {
	d := &Dispatcher{templates: templates}
	d.handlers = map[domain.ActionKind]Handler{
		domain.ActionCreate:   d.handleCreate,
		domain.ActionModify:   d.handleModify,
		domain.ActionValidate: d.handleValidate,
		domain.ActionTest:     d.handleTest,
		domain.ActionDocument: d.handleDocument,
		domain.ActionAnalyze:  d.handleAnalyze,
	}
	return d
}

// ExecuteStep renders the step's template (if any) and dispatches by
// action kind. Handler and lookup failures are returned to the caller;
// they fail the step, not the engine.
func (d *Dispatcher) ExecuteStep(ctx context.Context, step domain.Step, role domain.Role, variables map[string]string) (Result, error) {
	handler, ok := d.handlers[step.Action]
	if !ok {
		return Result{}, fmt.Errorf("unknown action kind %q for step %s", step.Action, step.ID)
	}
	content, err := d.renderContent(ctx, step, role, variables)
	if err != nil {
		return Result{}, err
	}
	return handler(ctx, Input{Step: step, Role: role, Variables: variables, Content: content})
}

func (d *Dispatcher) renderContent(ctx context.Context, step domain.Step, role domain.Role, variables map[string]string) (string, error) {
	vars := map[string]string{
		"step":      step.ID,
		"step_name": step.Name,
		"action":    string(step.Action),
		"role":      role.ID,
		"role_name": role.Name,
	}
	for k, v := range variables {
		vars[k] = v
	}
	if step.TemplateID == "" {
		return "", nil
	}
	tpl, err := d.templates.GetTemplate(ctx, step.TemplateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("template %s not found for step %s", step.TemplateID, step.ID)
		}
		return "", fmt.Errorf("load template %s: %w", step.TemplateID, err)
	}
	return template.Render(tpl.Content, vars), nil
}

func artifactHeader(in Input) string {
	return fmt.Sprintf("# %s\n\nRole: %s\nAction: %s\n", in.Step.Name, in.Role.Name, in.Step.Action)
}

func (d *Dispatcher) handleCreate(ctx context.Context, in Input) (Result, error) {
	output := in.Content
	if output == "" {
		output = artifactHeader(in) + "\nNew artifact scaffold prepared by the " + in.Role.Name + " role.\n"
	}
	return Result{
		Output:  output,
		Metrics: domain.Metrics{FilesCreated: 1},
	}, nil
}

func (d *Dispatcher) handleModify(ctx context.Context, in Input) (Result, error) {
	output := in.Content
	if output == "" {
		output = artifactHeader(in) + "\nModification applied by the " + in.Role.Name + " role.\n"
	}
	return Result{
		Output:  output,
		Metrics: domain.Metrics{FilesModified: 1},
	}, nil
}

func (d *Dispatcher) handleValidate(ctx context.Context, in Input) (Result, error) {
	output := in.Content
	if output == "" {
		verdict := in.Variables["verdict"]
		if verdict == "" {
			verdict = "approved"
		}
		output = artifactHeader(in) + "\nVerdict: " + verdict + "\n"
	}
	return Result{Output: output}, nil
}

func (d *Dispatcher) handleTest(ctx context.Context, in Input) (Result, error) {
	output := in.Content
	if output == "" {
		output = artifactHeader(in) + "\nTest cases outlined; each case must assert observable behavior.\n"
	}
	return Result{
		Output:  output,
		Metrics: domain.Metrics{TestsWritten: 1},
	}, nil
}

func (d *Dispatcher) handleDocument(ctx context.Context, in Input) (Result, error) {
	output := in.Content
	if output == "" {
		output = artifactHeader(in) + "\nDocumentation drafted by the " + in.Role.Name + " role.\n"
	}
	return Result{
		Output:  output,
		Metrics: domain.Metrics{FilesCreated: 1},
	}, nil
}

func (d *Dispatcher) handleAnalyze(ctx context.Context, in Input) (Result, error) {
	output := in.Content
	if output == "" {
		output = artifactHeader(in) + "\nAnalysis notes recorded by the " + in.Role.Name + " role.\n"
	}
	var suggestions []string
	if goals, ok := in.Variables["goals"]; ok && goals != "" {
		for _, goal := range strings.Split(goals, ";") {
			goal = strings.TrimSpace(goal)
			if goal != "" {
				suggestions = append(suggestions, "consider breaking down: "+goal)
			}
		}
	}
	return Result{Output: output, Suggestions: suggestions}, nil
}
