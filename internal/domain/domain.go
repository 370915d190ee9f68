package domain

// ActionKind is the closed set of step actions a workflow may declare.
type ActionKind string

const (
	ActionCreate   ActionKind = "create"
	ActionModify   ActionKind = "modify"
	ActionValidate ActionKind = "validate"
	ActionTest     ActionKind = "test"
	ActionDocument ActionKind = "document"
	ActionAnalyze  ActionKind = "analyze"
)

// ActionKinds lists every recognized action in declaration order.
var ActionKinds = []ActionKind{
	ActionCreate, ActionModify, ActionValidate,
	ActionTest, ActionDocument, ActionAnalyze,
}

// Valid reports whether k is one of the recognized action kinds.
func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

type Role struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	QualityGates []string `json:"quality_gates,omitempty"`
	NextRoles    []string `json:"next_roles,omitempty"`
}

// Terminal reports whether the role has no allowed successors.
func (r Role) Terminal() bool { return len(r.NextRoles) == 0 }

// HasCapability reports whether the role declares the capability tag.
func (r Role) HasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

type Step struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Action     ActionKind `json:"action" enum:"create,modify,validate,test,document,analyze"`
	TemplateID string     `json:"template_id,omitempty"`
	RuleIDs    []string   `json:"rule_ids,omitempty"`
	Order      int        `json:"order"`
}

type Workflow struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Steps         []Step   `json:"steps"`
	QualityChecks []string `json:"quality_checks,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

const (
	ExecutionRunning   = "running"
	ExecutionPaused    = "paused"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// Metrics are the cumulative counters tracked per execution.
type Metrics struct {
	FilesCreated  int     `json:"files_created"`
	FilesModified int     `json:"files_modified"`
	TestsWritten  int     `json:"tests_written"`
	Coverage      float64 `json:"coverage"`
	QualityScore  float64 `json:"quality_score"`
}

// Add folds a delta into m. Counters accumulate; gauges overwrite when set.
func (m *Metrics) Add(d Metrics) {
	m.FilesCreated += d.FilesCreated
	m.FilesModified += d.FilesModified
	m.TestsWritten += d.TestsWritten
	if d.Coverage > 0 {
		m.Coverage = d.Coverage
	}
	if d.QualityScore > 0 {
		m.QualityScore = d.QualityScore
	}
}

// ExecutionContext carries the typed per-execution state that outlives a
// single orchestrator invocation.
type ExecutionContext struct {
	Variables     map[string]string `json:"variables,omitempty"`
	QualityGates  []string          `json:"quality_gates,omitempty"`
	Decisions     []string          `json:"decisions,omitempty"`
	PauseReason   string            `json:"pause_reason,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	FailureError  string            `json:"failure_error,omitempty"`
	FailedAt      string            `json:"failed_at,omitempty"`
}

// HasGate reports whether the gate identifier is already satisfied.
func (c ExecutionContext) HasGate(gate string) bool {
	for _, g := range c.QualityGates {
		if g == gate {
			return true
		}
	}
	return false
}

// AddGate records a satisfied gate. The set only grows.
func (c *ExecutionContext) AddGate(gate string) {
	if !c.HasGate(gate) {
		c.QualityGates = append(c.QualityGates, gate)
	}
}

type Execution struct {
	ID             string           `json:"id"`
	WorkflowID     string           `json:"workflow_id"`
	CurrentRole    string           `json:"current_role"`
	Status         string           `json:"status" enum:"running,paused,completed,failed"`
	CompletedSteps []string         `json:"completed_steps,omitempty"`
	CurrentStep    string           `json:"current_step,omitempty"`
	Context        ExecutionContext `json:"context"`
	Metrics        Metrics          `json:"metrics"`
	RoleHistory    []RoleTransition `json:"role_history,omitempty"`
	CreatedAt      string           `json:"created_at" format:"date-time"`
	UpdatedAt      string           `json:"updated_at" format:"date-time"`
	StartedAt      string           `json:"started_at" format:"date-time"`
	CompletedAt    *string          `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the execution reached a final status.
func (e Execution) Terminal() bool {
	return e.Status == ExecutionCompleted || e.Status == ExecutionFailed
}

// HasCompletedStep reports whether the step already completed successfully.
func (e Execution) HasCompletedStep(stepID string) bool {
	for _, s := range e.CompletedSteps {
		if s == stepID {
			return true
		}
	}
	return false
}

const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

type StepExecution struct {
	ID            string               `json:"id"`
	ExecutionID   string               `json:"execution_id"`
	StepID        string               `json:"step_id"`
	RoleID        string               `json:"role_id"`
	Status        string               `json:"status" enum:"pending,running,completed,failed"`
	Error         string               `json:"error,omitempty"`
	QualityChecks []QualityCheckResult `json:"quality_checks,omitempty"`
	Suggestions   []string             `json:"suggestions,omitempty"`
	StartedAt     *string              `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string              `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt     string               `json:"created_at" format:"date-time"`
}

type RoleTransition struct {
	FromRole     string   `json:"from_role"`
	ToRole       string   `json:"to_role"`
	TS           string   `json:"ts" format:"date-time"`
	HandoffNotes string   `json:"handoff_notes,omitempty"`
	Decisions    []string `json:"decisions,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
}

const (
	CheckPass = "pass"
	CheckFail = "fail"
)

type QualityCheckResult struct {
	RuleID      string   `json:"rule_id"`
	RuleName    string   `json:"rule_name"`
	Status      string   `json:"status" enum:"pass,fail"`
	Message     string   `json:"message,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

const (
	RuleKindLint    = "lint"
	RuleKindRequire = "require"
)

// QualityRule is a pattern check contributing to a named quality gate.
// Lint rules fail when the pattern matches; require rules fail when it
// does not.
type QualityRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind" enum:"lint,require"`
	Pattern     string `json:"pattern"`
	Severity    string `json:"severity" enum:"error,warning"`
	Gate        string `json:"gate"`
	Description string `json:"description,omitempty"`
}

type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// AgentProfile declares which roles a named agent supports, in order.
// Used only to pick an initial role at execution start.
type AgentProfile struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// ExecutionMetrics is the derived per-execution summary.
type ExecutionMetrics struct {
	TotalSteps      int     `json:"total_steps"`
	CompletedSteps  int     `json:"completed_steps"`
	SuccessRate     float64 `json:"success_rate"`
	AverageStepTime float64 `json:"average_step_time_seconds"`
	QualityScore    float64 `json:"quality_score"`
	RoleTransitions int     `json:"role_transitions"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
