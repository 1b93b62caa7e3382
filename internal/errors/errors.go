// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Typed errors below match them through errors.Is.
var (
	ErrValidation                = errors.New("validation failed")
	ErrEmptyRecipientSet         = errors.New("recipient set is empty")
	ErrNotFound                  = errors.New("not found")
	ErrInvalidScheduleExpression = errors.New("invalid schedule expression")
	ErrTransportUnavailable      = errors.New("transport unavailable")
	ErrRecipientSend             = errors.New("recipient send failed")
	ErrPersistence               = errors.New("persistence failed")
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NewEmptyRecipientSet is a ValidationError that also matches ErrEmptyRecipientSet.
func NewEmptyRecipientSet() error {
	return &ValidationError{Field: "recipientIds", Reason: ErrEmptyRecipientSet.Error(), Err: ErrEmptyRecipientSet}
}

// NotFoundError means the entity is missing or not owned by the caller.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NewNotFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// NewCampaignNotFound is kept for the campaign lookups.
func NewCampaignNotFound(id int64) error {
	return NewNotFound("campaign", id)
}

type InvalidScheduleExpressionError struct {
	Expression string
	Err        error
}

func (e *InvalidScheduleExpressionError) Error() string {
	return fmt.Sprintf("invalid schedule expression %q: %v", e.Expression, e.Err)
}

func (e *InvalidScheduleExpressionError) Unwrap() error { return e.Err }

func (e *InvalidScheduleExpressionError) Is(target error) bool {
	return target == ErrInvalidScheduleExpression
}

func NewInvalidScheduleExpression(expr string, err error) error {
	return &InvalidScheduleExpressionError{Expression: expr, Err: err}
}

// TransportUnavailableError aborts a whole run before any send.
type TransportUnavailableError struct {
	Host string
	Port int
	Err  error
}

func (e *TransportUnavailableError) Error() string {
	return fmt.Sprintf("transport %s:%d unavailable: %v", e.Host, e.Port, e.Err)
}

func (e *TransportUnavailableError) Unwrap() error { return e.Err }

func (e *TransportUnavailableError) Is(target error) bool { return target == ErrTransportUnavailable }

func NewTransportUnavailable(host string, port int, err error) error {
	return &TransportUnavailableError{Host: host, Port: port, Err: err}
}

// RecipientSendError is recorded on the recipient row and never escapes the loop.
type RecipientSendError struct {
	RecipientID int64
	Email       string
	Err         error
}

func (e *RecipientSendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Email, e.Err)
}

func (e *RecipientSendError) Unwrap() error { return e.Err }

func (e *RecipientSendError) Is(target error) bool { return target == ErrRecipientSend }

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func NewPersistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsInvalidScheduleExpression(err error) bool {
	return errors.Is(err, ErrInvalidScheduleExpression)
}

func IsTransportUnavailable(err error) bool { return errors.Is(err, ErrTransportUnavailable) }
