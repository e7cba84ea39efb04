package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCluster is returned for a cluster the inventory does not declare.
	ErrUnknownCluster = errors.New("unknown cluster")

	// ErrUnknownAgent is returned for an agent the inventory does not declare.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNotReady is returned while no inventory snapshot has been loaded.
	ErrNotReady = errors.New("orchestrator not ready")

	// ErrInvalidTransition is returned when a reservation request is moved
	// to a phase its current phase cannot reach.
	ErrInvalidTransition = errors.New("invalid reservation transition")
)

// ValidationError reports a malformed identity, URL, name or message field.
// It is raised at construction time and never transmitted.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, value, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// ProtocolVersionMismatch reports a fingerprint disagreement. The sender must
// resync before retrying.
type ProtocolVersionMismatch struct {
	Field    string
	Expected string
	Actual   string
}

func (e *ProtocolVersionMismatch) Error() string {
	return fmt.Sprintf("fingerprint mismatch on %s: expected %q, got %q", e.Field, e.Expected, e.Actual)
}

// LedgerConflict reports an attempt to commit an agent that already has a holder.
type LedgerConflict struct {
	Agent     string
	Holder    string
	Requester string
}

func (e *LedgerConflict) Error() string {
	return fmt.Sprintf("agent %s is held by %q, refusing commit for %q", e.Agent, e.Holder, e.Requester)
}

// CommunicationError wraps a transport failure towards a cluster or an
// inventory backend. It is never fatal.
type CommunicationError struct {
	Target string
	Op     string
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// ReconciliationPrecondition reports a misuse of fixup reduction.
type ReconciliationPrecondition struct {
	Reason string
}

func (e *ReconciliationPrecondition) Error() string {
	return "reconciliation precondition violated: " + e.Reason
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsVersionMismatch reports whether err is, or wraps, a ProtocolVersionMismatch.
func IsVersionMismatch(err error) bool {
	var target *ProtocolVersionMismatch
	return errors.As(err, &target)
}

// IsConflict reports whether err is, or wraps, a LedgerConflict.
func IsConflict(err error) bool {
	var target *LedgerConflict
	return errors.As(err, &target)
}

// IsCommunication reports whether err is, or wraps, a CommunicationError.
func IsCommunication(err error) bool {
	var target *CommunicationError
	return errors.As(err, &target)
}

// IsPrecondition reports whether err is, or wraps, a ReconciliationPrecondition.
func IsPrecondition(err error) bool {
	var target *ReconciliationPrecondition
	return errors.As(err, &target)
}
