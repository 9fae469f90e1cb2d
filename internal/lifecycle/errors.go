package lifecycle

import (
	"errors"
	"fmt"

	"breakdown-service-backend/internal/model"
)

var (
	// ErrNotFound means the request id does not exist.
	ErrNotFound = errors.New("service request not found")
	// ErrForbidden means the actor's role (or party binding) does not permit
	// the action.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition means the action is not valid from the request's
	// current status. Concurrent losers of a transition race get this too.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidArgument means a malformed or missing field.
	ErrInvalidArgument = errors.New("invalid argument")
)

// InvalidTransitionError reports the current and attempted statuses. It
// unwraps to ErrInvalidTransition so callers can match with errors.Is.
type InvalidTransitionError struct {
	Current   model.RequestStatus
	Attempted model.RequestStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot move to %s from %s", e.Attempted, e.Current)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

func invalidTransition(current, attempted model.RequestStatus) error {
	return &InvalidTransitionError{Current: current, Attempted: attempted}
}
