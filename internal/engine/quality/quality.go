package quality

import (
	"fmt"
	"regexp"

	"baton/internal/domain"
)

type compiledRule struct {
	rule domain.QualityRule
	re   *regexp.Regexp
}

// Evaluator runs pattern rules against step artifacts. Rules are
// compiled once at construction; the evaluator is read-only afterwards.
type Evaluator struct {
	rules []compiledRule
	byID  map[string]compiledRule
}

// New compiles the rule set. A rule with an invalid pattern is a
// configuration error and fails construction.
func New(rules []domain.QualityRule) (*Evaluator, error) {
	e := &Evaluator{byID: map[string]compiledRule{}}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s pattern: %w", r.ID, err)
		}
		c := compiledRule{rule: r, re: re}
		e.rules = append(e.rules, c)
		e.byID[r.ID] = c
	}
	return e, nil
}

// RunChecks evaluates the rules configured for the step against its
// artifact content and returns exactly one result per rule. Rule
// resolution order: the step's own rule ids, else the workflow-level
// check ids, else every rule contributing to one of the role's gates.
func (e *Evaluator) RunChecks(step domain.Step, role domain.Role, workflowChecks []string, content string) []domain.QualityCheckResult {
	selected := e.resolve(step, role, workflowChecks)
	results := make([]domain.QualityCheckResult, 0, len(selected))
	for _, c := range selected {
		results = append(results, e.check(c, content))
	}
	return results
}

// GateFor returns the gate identifier a rule contributes to.
func (e *Evaluator) GateFor(ruleID string) (string, bool) {
	c, ok := e.byID[ruleID]
	if !ok {
		return "", false
	}
	return c.rule.Gate, true
}

func (e *Evaluator) resolve(step domain.Step, role domain.Role, workflowChecks []string) []compiledRule {
	if len(step.RuleIDs) > 0 {
		return e.byIDs(step.RuleIDs)
	}
	if len(workflowChecks) > 0 {
		return e.byIDs(workflowChecks)
	}
	var out []compiledRule
	for _, c := range e.rules {
		for _, gate := range role.QualityGates {
			if c.rule.Gate == gate {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (e *Evaluator) byIDs(ids []string) []compiledRule {
	var out []compiledRule
	for _, id := range ids {
		if c, ok := e.byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (e *Evaluator) check(c compiledRule, content string) domain.QualityCheckResult {
	result := domain.QualityCheckResult{
		RuleID:   c.rule.ID,
		RuleName: c.rule.Name,
	}
	matches := len(c.re.FindAllStringIndex(content, -1))
	switch c.rule.Kind {
	case domain.RuleKindLint:
		// Lint rules flag unwanted content: any match is a failure.
		if matches > 0 {
			result.Status = domain.CheckFail
			result.Message = fmt.Sprintf("pattern %q found %d time(s)", c.rule.Pattern, matches)
			if c.rule.Description != "" {
				result.Suggestions = []string{c.rule.Description}
			}
		} else {
			result.Status = domain.CheckPass
		}
	case domain.RuleKindRequire:
		if matches > 0 {
			result.Status = domain.CheckPass
		} else {
			result.Status = domain.CheckFail
			result.Message = fmt.Sprintf("required pattern %q not found", c.rule.Pattern)
			if c.rule.Description != "" {
				result.Suggestions = []string{c.rule.Description}
			}
		}
	default:
		result.Status = domain.CheckFail
		result.Message = fmt.Sprintf("unknown rule kind %q", c.rule.Kind)
	}
	return result
}
