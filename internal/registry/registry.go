package registry

import (
	"fmt"
	"sort"

	"baton/internal/config"
	"baton/internal/domain"
)

// Registry is the immutable role table. It is built once from config at
// startup and injected wherever role lookups or transition validation
// are needed; it carries no mutable state.
type Registry struct {
	roles      map[string]domain.Role
	order      []string
	profiles   map[string]domain.AgentProfile
	actionCaps map[domain.ActionKind]string
}

// New builds a registry from validated config.
func New(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		roles:      map[string]domain.Role{},
		profiles:   map[string]domain.AgentProfile{},
		actionCaps: map[domain.ActionKind]string{},
	}
	for _, role := range cfg.DomainRoles() {
		r.roles[role.ID] = role
		r.order = append(r.order, role.ID)
	}
	for id, agent := range cfg.Agents {
		r.profiles[id] = domain.AgentProfile{ID: id, Roles: agent.Roles}
	}
	for action, capability := range cfg.Capabilities {
		r.actionCaps[domain.ActionKind(action)] = capability
	}
	return r, nil
}

// Role looks a role up by id.
func (r *Registry) Role(id string) (domain.Role, bool) {
	role, ok := r.roles[id]
	return role, ok
}

// Roles returns every role in declared order.
func (r *Registry) Roles() []domain.Role {
	out := make([]domain.Role, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.roles[id])
	}
	return out
}

// NextRoles returns the allowed successors of a role in declared order.
// An empty result marks a terminal role.
func (r *Registry) NextRoles(roleID string) []domain.Role {
	role, ok := r.roles[roleID]
	if !ok {
		return nil
	}
	out := make([]domain.Role, 0, len(role.NextRoles))
	for _, next := range role.NextRoles {
		if nextRole, ok := r.roles[next]; ok {
			out = append(out, nextRole)
		}
	}
	return out
}

// CanTransition reports whether to appears in from's allowed next roles.
func (r *Registry) CanTransition(fromRoleID, toRoleID string) bool {
	from, ok := r.roles[fromRoleID]
	if !ok {
		return false
	}
	for _, next := range from.NextRoles {
		if next == toRoleID {
			return true
		}
	}
	return false
}

const (
	ReasonInvalidRole          = "invalid role"
	ReasonTransitionNotAllowed = "transition not allowed"
	ReasonGatesNotMet          = "quality gates not met"
)

// TransitionCheck is the structured outcome of ValidateRoleTransition.
type TransitionCheck struct {
	Valid        bool     `json:"valid"`
	Reason       string   `json:"reason,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	MissingGates []string `json:"missing_gates,omitempty"`
}

// ValidateRoleTransition checks role reachability and gate satisfaction
// for moving the execution from its current role to toRoleID. It reads
// the execution, never mutates it.
func (r *Registry) ValidateRoleTransition(exec domain.Execution, toRoleID string) TransitionCheck {
	from, ok := r.roles[exec.CurrentRole]
	if !ok {
		return TransitionCheck{Reason: ReasonInvalidRole}
	}
	if _, ok := r.roles[toRoleID]; !ok {
		return TransitionCheck{Reason: ReasonInvalidRole}
	}
	if !r.CanTransition(from.ID, toRoleID) {
		return TransitionCheck{
			Reason:       ReasonTransitionNotAllowed,
			Requirements: from.NextRoles,
		}
	}
	var missing []string
	for _, gate := range from.QualityGates {
		if !exec.Context.HasGate(gate) {
			missing = append(missing, gate)
		}
	}
	if len(missing) > 0 {
		return TransitionCheck{
			Reason:       ReasonGatesNotMet,
			MissingGates: missing,
		}
	}
	return TransitionCheck{Valid: true}
}

// RolesForAgent returns the roles a named agent profile supports, in the
// profile's declared order. Unknown profiles yield nil.
func (r *Registry) RolesForAgent(agentProfileID string) []domain.Role {
	profile, ok := r.profiles[agentProfileID]
	if !ok {
		return nil
	}
	out := make([]domain.Role, 0, len(profile.Roles))
	for _, roleID := range profile.Roles {
		if role, ok := r.roles[roleID]; ok {
			out = append(out, role)
		}
	}
	return out
}

// AgentProfiles returns the known profiles sorted by id.
func (r *Registry) AgentProfiles() []domain.AgentProfile {
	out := make([]domain.AgentProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CapabilityFor returns the capability tag an action maps to.
func (r *Registry) CapabilityFor(action domain.ActionKind) (string, bool) {
	capability, ok := r.actionCaps[action]
	return capability, ok
}

// StepsForRole selects the workflow steps whose action maps to a
// capability the role declares, sorted by ascending order index.
func (r *Registry) StepsForRole(wf domain.Workflow, role domain.Role) []domain.Step {
	var out []domain.Step
	for _, step := range wf.Steps {
		capability, ok := r.actionCaps[step.Action]
		if !ok {
			continue
		}
		if role.HasCapability(capability) {
			out = append(out, step)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
