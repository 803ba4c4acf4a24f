package domain

import (
	"errors"
	"fmt"
)

// Error types for consistent error handling across the engine.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrDuplicate indicates a uniqueness violation, e.g. a provider payment id
// already bound to another transaction.
type ErrDuplicate struct {
	Key string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate operation: %s", e.Key)
}

// ErrConflict indicates an optimistic concurrency failure.
type ErrConflict struct {
	Resource string
	ID       string
	Version  int64
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("%s %s changed concurrently (expected version %d)", e.Resource, e.ID, e.Version)
}

// ErrUnauthorized indicates invalid credentials, token or webhook signature.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrMalformedPayload indicates a webhook body or gateway response that
// could not be parsed.
type ErrMalformedPayload struct {
	Source string
	Reason string
}

func (e *ErrMalformedPayload) Error() string {
	return fmt.Sprintf("malformed payload from %s: %s", e.Source, e.Reason)
}

// ErrUnknownStatus indicates a provider status string with no canonical mapping.
type ErrUnknownStatus struct {
	Provider Provider
	Raw      string
}

func (e *ErrUnknownStatus) Error() string {
	return fmt.Sprintf("unknown %s status %q", e.Provider, e.Raw)
}

// ErrIllegalTransition indicates a signal that would regress a transaction.
type ErrIllegalTransition struct {
	From   Status
	To     Status
	Source Source
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s (source %s)", e.From, e.To, e.Source)
}

// ErrLockTimeout indicates the per-transaction lock could not be taken in time.
type ErrLockTimeout struct {
	Key string
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("lock busy: %s", e.Key)
}

// ErrOriginNotFound indicates the ledger record a transaction settles is missing.
type ErrOriginNotFound struct {
	Type OriginType
	ID   string
}

func (e *ErrOriginNotFound) Error() string {
	return fmt.Sprintf("ledger origin not found: %s/%s", e.Type, e.ID)
}

// ErrAlreadyPaid indicates a mark-paid write found the origin settled by
// someone else.
type ErrAlreadyPaid struct {
	Type OriginType
	ID   string
}

func (e *ErrAlreadyPaid) Error() string {
	return fmt.Sprintf("ledger origin already paid: %s/%s", e.Type, e.ID)
}

// IsTransient reports whether err is worth retrying on a later cycle.
func IsTransient(err error) bool {
	var timeout *ErrTimeout
	var circuit *ErrCircuitOpen
	var external *ErrExternalService
	var lock *ErrLockTimeout
	var conflict *ErrConflict
	return errors.As(err, &timeout) ||
		errors.As(err, &circuit) ||
		errors.As(err, &external) ||
		errors.As(err, &lock) ||
		errors.As(err, &conflict)
}
