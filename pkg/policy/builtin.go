package policy

import (
	"time"
)

// Default tuning values, stored under data.orbitloop.config.
const (
	DefaultMaxAttempts    = 3
	DefaultSettleAttempts = 2
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		transientRetryPolicy(),
		settlingRecheckPolicy(),
		invalidReadPolicy(),
		fallbackPolicy(),
	}
}

// transientRetryPolicy retries data errors and rejected commands a few times.
func transientRetryPolicy() Policy {
	return Policy{
		Name:        "transient-retry",
		Description: "Retries data errors and rejected commands for a bounded number of attempts",
		Priority:    PriorityBuiltin,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"failure", "retry"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package orbitloop.actions.transient

import rego.v1

default max_attempts := 3

max_attempts := data.orbitloop.config.max_attempts

retry_actions := ["RECHECK", "REPEAT", "RESEND"]

candidates := [a | some a in retry_actions; a in input.legal]

error_code := object.get(input, "error_code", "")

decision := {
	"action": candidates[0],
	"reason": sprintf("data error %s on attempt %d of %d", [error_code, input.attempt, max_attempts]),
} if {
	input.trigger == "failure"
	input.error_class == "data"
	input.attempt <= max_attempts
	count(candidates) > 0
} else := {
	"action": "RESEND",
	"reason": sprintf("command rejected on attempt %d of %d", [input.attempt, max_attempts]),
} if {
	input.trigger == "failure"
	error_code == "COMMAND_REJECTED"
	input.attempt <= max_attempts
	"RESEND" in input.legal
}
`,
	}
}

// settlingRecheckPolicy rechecks a false verification on its first attempts.
func settlingRecheckPolicy() Policy {
	return Policy{
		Name:        "settling-recheck",
		Description: "Rechecks verifications that evaluate false while telemetry may still be settling",
		Priority:    PriorityBuiltin,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"verification"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package orbitloop.actions.settle

import rego.v1

default settle_attempts := 2

settle_attempts := data.orbitloop.config.settle_attempts

decision := {
	"action": "RECHECK",
	"reason": sprintf("verification false on attempt %d, rechecking", [input.attempt]),
} if {
	input.trigger == "false"
	input.attempt <= settle_attempts
	"RECHECK" in input.legal
}
`,
	}
}

// invalidReadPolicy skips telemetry reads that keep returning invalid samples.
func invalidReadPolicy() Policy {
	return Policy{
		Name:        "invalid-read-skip",
		Description: "Skips telemetry reads whose samples are flagged invalid",
		Priority:    PriorityBuiltin - 10,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"failure", "telemetry"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package orbitloop.actions.invalid

import rego.v1

decision := {
	"action": "SKIP",
	"reason": "telemetry sample flagged invalid",
} if {
	input.trigger == "failure"
	input.kind == "get"
	object.get(input, "error_code", "") == "INVALID_VALUE"
	"SKIP" in input.legal
}
`,
	}
}

// fallbackPolicy aborts, or cancels the operation when abort is not offered.
func fallbackPolicy() Policy {
	return Policy{
		Name:        "safe-fallback",
		Description: "Aborts the procedure when no other policy recovers",
		Priority:    PriorityFallback,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"fallback"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package orbitloop.actions.fallback

import rego.v1

decision := {
	"action": "ABORT",
	"reason": "no recovery policy applies",
} if {
	"ABORT" in input.legal
} else := {
	"action": "CANCEL",
	"reason": "no recovery policy applies, abort not offered",
} if {
	"CANCEL" in input.legal
}
`,
	}
}
