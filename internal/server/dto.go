package server

import (
	"baton/internal/domain"
)

// Request payloads

type ImportWorkflowRequest struct {
	ID            string        `json:"id"`
	Name          string        `json:"name,omitempty"`
	Description   string        `json:"description,omitempty"`
	Steps         []domain.Step `json:"steps"`
	QualityChecks []string      `json:"quality_checks,omitempty"`
}

type CreateExecutionRequest struct {
	ID           *string           `json:"id,omitempty"`
	WorkflowID   string            `json:"workflow_id"`
	Role         *string           `json:"role,omitempty"`
	AgentProfile *string           `json:"agent_profile,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

type TransitionRequest struct {
	ToRole       string   `json:"to_role"`
	HandoffNotes string   `json:"handoff_notes,omitempty"`
	Decisions    []string `json:"decisions,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
}

type PauseRequest struct {
	Reason string `json:"reason,omitempty"`
}

type FailRequest struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

type CompleteRequest struct {
	Metrics domain.Metrics `json:"metrics,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type RoleResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	QualityGates []string `json:"quality_gates"`
	NextRoles    []string `json:"next_roles"`
	Terminal     bool     `json:"terminal"`
}

func roleResponse(r domain.Role) RoleResponse {
	return RoleResponse{
		ID:           r.ID,
		Name:         r.Name,
		Capabilities: nonNilSlice(r.Capabilities),
		QualityGates: nonNilSlice(r.QualityGates),
		NextRoles:    nonNilSlice(r.NextRoles),
		Terminal:     r.Terminal(),
	}
}

func mapRoles(items []domain.Role) []RoleResponse {
	res := make([]RoleResponse, 0, len(items))
	for _, r := range items {
		res = append(res, roleResponse(r))
	}
	return res
}

type TransitionCheckResponse struct {
	Valid        bool     `json:"valid"`
	Reason       string   `json:"reason,omitempty"`
	Requirements []string `json:"requirements"`
	MissingGates []string `json:"missing_gates"`
}

type ExecutionListResponse struct {
	Items      []domain.Execution `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type EventListResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
