package sync

import "github.com/lodestonehq/lattice/internal/store"

// Status classifies the result of a write operation. Expected failure modes
// surface as statuses, never as raw errors.
type Status string

const (
	// StatusApplied means the write landed and is durable.
	StatusApplied Status = "applied"
	// StatusNotFound means the object (or its root) does not exist.
	StatusNotFound Status = "not_found"
	// StatusUnauthorized means the permission predicate rejected the actor.
	StatusUnauthorized Status = "unauthorized"
	// StatusInvalid means the transformed attributes failed schema validation.
	StatusInvalid Status = "invalid_attributes"
	// StatusFailed means the conflict retry bound was exhausted.
	StatusFailed Status = "failed"
)

// Outcome is the typed result every mutating entry point returns.
type Outcome struct {
	Status      Status
	Object      *store.Object
	Transaction *store.Transaction
	// Duplicate marks a silently absorbed redelivery.
	Duplicate bool
	// Validation carries the schema error when Status is StatusInvalid.
	Validation error
}

type attemptKind int

const (
	attemptApplied attemptKind = iota + 1
	attemptRetry
	attemptTerminal
)

// attemptResult is the tagged per-iteration result of the retry loop: the
// loop stops on applied or terminal and bounds retry iterations. Conflicts
// are represented explicitly rather than by a nil sentinel.
type attemptResult struct {
	kind    attemptKind
	outcome Outcome
}

func applied(outcome Outcome) attemptResult {
	outcome.Status = StatusApplied
	return attemptResult{kind: attemptApplied, outcome: outcome}
}

func retry() attemptResult {
	return attemptResult{kind: attemptRetry}
}

func terminal(outcome Outcome) attemptResult {
	return attemptResult{kind: attemptTerminal, outcome: outcome}
}
