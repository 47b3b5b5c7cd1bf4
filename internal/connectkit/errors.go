package connectkit

import "errors"

var (
	// ErrNotFound indicates no row matched the provided identifier.
	ErrNotFound = errors.New("connect_store.not_found")
	// ErrExpired indicates the state token exists but is past its expiry.
	ErrExpired = errors.New("connect_store.expired")
	// ErrAlreadyConsumed indicates a one-time state token was presented again.
	ErrAlreadyConsumed = errors.New("connect_store.already_consumed")
	// ErrConflict indicates a uniqueness violation on a path expected to be conflict-free.
	ErrConflict = errors.New("connect_store.conflict")
	// ErrInvalidState indicates an operation on a state token that is no longer issued.
	ErrInvalidState = errors.New("connect_store.invalid_state")
	// ErrEmptyIdentifier indicates that a required identifier was blank.
	ErrEmptyIdentifier = errors.New("connect_store.empty_identifier")
)

// IsAuthorizationFailure reports whether err is one of the state validation failures.
// Callers facing end users must collapse all of them into one generic outcome.
func IsAuthorizationFailure(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrAlreadyConsumed) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrEmptyIdentifier)
}
