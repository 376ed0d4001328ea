// Package governance decides whether work-item assignment on a story is
// free-form or managed, validates proposed assignees against that mode, and
// runs the multi-gate compliance pipeline behind `trak validate story`.
package governance

import (
	"context"

	"trak/internal/domain"
)

// Mode is a story's derived governance mode. It is never stored: a story is
// managed iff at least one agent definition is scoped to it.
type Mode string

const (
	ModeFreeForm Mode = "free-form"
	ModeManaged  Mode = "managed"
)

// RegistryView is a read-only window onto registered agent definitions.
// Absence is reported through the ok flag, never as an error; errors are
// reserved for the underlying store.
//
// Scoping policy: only story-scoped definitions count toward governance
// mode (HasAnyDefinition). Global definitions are still reachable for
// base-name resolution.
type RegistryView interface {
	// HasAnyDefinition reports whether any agent definition is scoped to
	// the story.
	HasAnyDefinition(ctx context.Context, storyCode string) (bool, error)

	// ResolveBaseName looks up a definition by base name, story scope
	// first, then global.
	ResolveBaseName(ctx context.Context, storyCode, baseName string) (domain.AgentDefinition, bool, error)

	// RolesInScope returns the distinct role tokens of definitions
	// reachable from the story (story-scoped and global).
	RolesInScope(ctx context.Context, storyCode string) ([]string, error)
}

// TaskSource supplies a story's tasks to the gate pipeline.
type TaskSource interface {
	ListStoryTasks(ctx context.Context, storyCode string) ([]domain.Task, error)
}
