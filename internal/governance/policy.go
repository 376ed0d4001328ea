package governance

import (
	"context"
	"fmt"

	"trak/internal/identifier"
)

// DenialKind classifies why an assignment was refused.
type DenialKind string

const (
	// DenialUnknownAgent: versioned identifier whose base name is not
	// registered for the story.
	DenialUnknownAgent DenialKind = "unknown_agent"
	// DenialGenericRole: bare role token used where a managed story
	// requires a versioned identifier.
	DenialGenericRole DenialKind = "generic_role_assignment"
	// DenialInvalidFormat: matches neither a versioned identifier nor a
	// known role token.
	DenialInvalidFormat DenialKind = "invalid_agent_name_format"
)

// Denial is a typed refusal. It is a value callers format for users, not an
// error to be thrown.
type Denial struct {
	Kind        DenialKind `json:"kind"`
	Detail      string     `json:"detail"`
	Remediation string     `json:"remediation"`
}

// Decision is the outcome of ValidateAssignment.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Mode    Mode    `json:"mode"`
	Denial  *Denial `json:"denial,omitempty"`
}

// Policy is the single enforcement point for task-assignee legality. It is
// stateless; collaborators are passed in explicitly so it stays pure and
// testable.
type Policy struct {
	Registry RegistryView
	// KnownRoles is the configured role vocabulary, used for the
	// generic-role tie-break alongside the roles of reachable definitions.
	KnownRoles []string
}

// StoryMode derives the governance mode for a story.
func (p Policy) StoryMode(ctx context.Context, storyCode string) (Mode, error) {
	managed, err := p.Registry.HasAnyDefinition(ctx, storyCode)
	if err != nil {
		return ModeFreeForm, err
	}
	if managed {
		return ModeManaged, nil
	}
	return ModeFreeForm, nil
}

// ValidateAssignment decides whether assignee may be set on a task in the
// story. A nil assignee is always allowed, as is anything on a free-form
// story. On a managed story the assignee must be a versioned identifier
// whose base name resolves in the registry.
func (p Policy) ValidateAssignment(ctx context.Context, storyCode string, assignee *string) (Decision, error) {
	if assignee == nil || *assignee == "" {
		mode, err := p.StoryMode(ctx, storyCode)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true, Mode: mode}, nil
	}
	mode, err := p.StoryMode(ctx, storyCode)
	if err != nil {
		return Decision{}, err
	}
	if mode == ModeFreeForm {
		return Decision{Allowed: true, Mode: mode}, nil
	}

	name := *assignee
	c := identifier.Classify(name)
	if c.Kind == identifier.Versioned {
		_, ok, err := p.Registry.ResolveBaseName(ctx, storyCode, c.BaseName)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return Decision{Allowed: true, Mode: mode}, nil
		}
		return p.deny(mode, DenialUnknownAgent, storyCode,
			fmt.Sprintf("no agent definition named %q is registered for story %s", c.BaseName, storyCode)), nil
	}

	// GenericRoleAssignment beats InvalidAgentNameFormat when the string is
	// a recognized role token: the message is more actionable.
	isRole, err := p.matchesKnownRole(ctx, storyCode, name)
	if err != nil {
		return Decision{}, err
	}
	if isRole {
		return p.deny(mode, DenialGenericRole, storyCode,
			fmt.Sprintf("generic role %q used in managed story %s; assign a registered, versioned agent identifier instead", name, storyCode)), nil
	}
	return p.deny(mode, DenialInvalidFormat, storyCode,
		fmt.Sprintf("%q is neither a versioned agent identifier nor a known role token", name)), nil
}

func (p Policy) matchesKnownRole(ctx context.Context, storyCode, name string) (bool, error) {
	for _, r := range p.KnownRoles {
		if name == r {
			return true, nil
		}
	}
	roles, err := p.Registry.RolesInScope(ctx, storyCode)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if name == r {
			return true, nil
		}
	}
	return false, nil
}

func (p Policy) deny(mode Mode, kind DenialKind, storyCode, detail string) Decision {
	return Decision{
		Mode: mode,
		Denial: &Denial{
			Kind:        kind,
			Detail:      detail,
			Remediation: RegistrationRemediation(storyCode),
		},
	}
}

// RegistrationRemediation names the registration command a caller should run
// before retrying a denied assignment.
func RegistrationRemediation(storyCode string) string {
	return fmt.Sprintf("register an agent definition first: trak agent register --story %s --role <role> --name <role>-<suffix>, then assign <name>-v1", storyCode)
}
