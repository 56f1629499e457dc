package subscriptions

import (
	"errors"
	"fmt"
	"net/http"
)

type notFoundError string

func (e notFoundError) Error() string  { return string(e) }
func (e notFoundError) NotFound() bool { return true }

// ErrNotFound is returned when a subscription does not exist
var ErrNotFound error = notFoundError("subscription not found")

// ErrConflict is returned by Store conditional writes that matched no row
// because the subscription changed since it was read.
var ErrConflict = errors.New("subscription changed concurrently")

// Reasons carried by *InvalidTransitionError
var (
	ErrAlreadyCancelled = errors.New("subscription is already cancelled")
	ErrNotCancelled     = errors.New("subscription is not cancelled")
	ErrSamePlan         = errors.New("subscription is already on this plan")
	ErrExpired          = errors.New("subscription has expired")
	ErrAlreadyExists    = errors.New("subscription already exists")
)

// InvalidTransitionError refuses a transition whose precondition does not
// hold.
type InvalidTransitionError struct {
	Transition string
	From       Status
	Err        error
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s subscription in status %s: %v", e.Transition, e.From, e.Err)
}

func (e *InvalidTransitionError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps invalid transitions to 409
func (e *InvalidTransitionError) HTTPStatus() int {
	return http.StatusConflict
}

// IsInvalidTransition reports whether err wraps an *InvalidTransitionError
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}
