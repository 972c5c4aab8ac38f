package domain

import (
	"errors"
	"fmt"
)

// ValidationError rejects a malformed activity before any mutation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError represents a missing resource.
type NotFoundError struct {
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is enables errors.Is matching on NotFoundError.
func (e NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	if ok {
		return true
	}
	_, ok = target.(*NotFoundError)
	return ok
}

// ErrNotFound is the sentinel error for missing resources.
var ErrNotFound = NotFoundError{}

// ObjectNotFoundError is returned when an activity references an object the store does not have.
type ObjectNotFoundError struct {
	ObjectId string
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("object %s does not exist", e.ObjectId)
}

func (e *ObjectNotFoundError) Is(target error) bool {
	return ErrNotFound.Is(target)
}

// AuthorizationError is returned when an actor tries to act on something it does not own.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return e.Reason
}

// ConflictError reports a state transition that does not match the stored state.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// DeliveryError wraps a failed remote fetch or delivery.
type DeliveryError struct {
	URL string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("remote request to %s failed: %v", e.URL, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// UnsupportedActivityError is returned for activity types the dispatcher does not handle.
type UnsupportedActivityError struct {
	Type string
}

func (e *UnsupportedActivityError) Error() string {
	return fmt.Sprintf("unsupported activity type: %s", e.Type)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsDelivery(err error) bool {
	var target *DeliveryError
	return errors.As(err, &target)
}

func IsUnsupported(err error) bool {
	var target *UnsupportedActivityError
	return errors.As(err, &target)
}
