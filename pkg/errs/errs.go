// Package errs collects the boundary error kinds spec.md section 7
// defines, so storage engines, transactions, the reactor, and peering can
// all construct and test for the same vocabulary instead of each layer
// inventing its own. Sentinel-style: wrap with fmt.Errorf("...: %w", err)
// at each boundary crossed, per the teacher's own error convention
// (see controller/api/destination/update_queue.go's errQueueClosed).
package errs

import (
	"errors"
	"fmt"

	"github.com/ankurah-go/ankurah/pkg/id"
)

// EntityNotFound means no such entity exists in storage.
type EntityNotFound struct{ ID id.EntityId }

func (e *EntityNotFound) Error() string { return fmt.Sprintf("entity not found: %s", e.ID) }

// EventNotFound means a referenced event is missing from storage --
// potentially recoverable by fetching from a durable peer.
type EventNotFound struct{ ID id.EventId }

func (e *EventNotFound) Error() string { return fmt.Sprintf("event not found: %s", e.ID.Short()) }

// ErrInvalidEvent is returned when an event fails structural checks, e.g.
// its id is absent from the entity's claimed head, or its parent
// references events storage doesn't have.
var ErrInvalidEvent = errors.New("invalid event")

// MutationErrorKind discriminates backend-level operation failures.
type MutationErrorKind uint8

const (
	MutationUpdateFailed MutationErrorKind = iota
	MutationFailedStep
)

type MutationError struct {
	Kind MutationErrorKind
	Err  error
}

func (e *MutationError) Error() string {
	switch e.Kind {
	case MutationUpdateFailed:
		return fmt.Sprintf("mutation update failed: %v", e.Err)
	default:
		return fmt.Sprintf("mutation step failed: %v", e.Err)
	}
}
func (e *MutationError) Unwrap() error { return e.Err }

// RetrievalError wraps an opaque storage-layer failure.
type RetrievalError struct{ Err error }

func (e *RetrievalError) Error() string { return fmt.Sprintf("storage error: %v", e.Err) }
func (e *RetrievalError) Unwrap() error { return e.Err }

// SendErrorKind discriminates peer send failures.
type SendErrorKind uint8

const (
	SendConnectionClosed SendErrorKind = iota
	SendTimeout
	SendUnknown
	SendOther
)

type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string {
	switch e.Kind {
	case SendConnectionClosed:
		return "send failed: connection closed"
	case SendTimeout:
		return "send failed: timeout"
	default:
		if e.Err != nil {
			return fmt.Sprintf("send failed: %v", e.Err)
		}
		return "send failed: unknown"
	}
}
func (e *SendError) Unwrap() error { return e.Err }

// ErrSubscription marks a malformed predicate or a policy-denied subscribe.
var ErrSubscription = errors.New("subscription error")

// ErrBudgetExceeded marks a lineage comparison that exhausted its budget
// before reaching a conclusion -- retryable with a larger budget.
var ErrBudgetExceeded = errors.New("lineage comparison budget exceeded")

// ErrPolicyDenied is returned by any boundary call a policy.Agent denied.
var ErrPolicyDenied = errors.New("denied by policy")
