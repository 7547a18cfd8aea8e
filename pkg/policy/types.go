package policy

import (
	"time"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Built-in policy priorities. User policies default to PriorityUser and so
// are consulted before any built-in.
const (
	PriorityUser     = 100
	PriorityBuiltin  = 50
	PriorityFallback = -100
)

// Policy is a Rego module that may propose an action. The module must define
// a "decision" rule producing {"action": NAME, "reason": TEXT}.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Priority orders evaluation, highest first.
	Priority int `json:"priority"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document policies see as input.
type Input struct {
	engine.SelectionInput

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Environment is the deployment environment, e.g. "flight" or "test".
	Environment string `json:"environment,omitempty"`
}

// Decision is the action a policy proposed.
type Decision struct {
	// Action is the proposed action.
	Action engine.ActionCode `json:"action"`

	// Policy is the name of the deciding policy.
	Policy string `json:"policy"`

	// Reason explains the choice.
	Reason string `json:"reason,omitempty"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}
