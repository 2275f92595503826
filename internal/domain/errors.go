package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrUserNotFound            = errors.New("user not found")
	ErrRankingNotFound         = errors.New("ranking not found")
	ErrInvalidLeague           = errors.New("invalid league")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrInternalError           = errors.New("internal server error")
	ErrExecutorNotFound        = errors.New("executor not found")
	ErrExecutorUnauthenticated = errors.New("executor not authenticated")
)

// ErrorKind classifies failures reported for a single user
type ErrorKind string

const (
	KindNotFound ErrorKind = "not_found"
	KindStorage  ErrorKind = "storage"
	KindInvalid  ErrorKind = "invalid"
)

// UserError attaches the failing user and a kind to an underlying error
type UserError struct {
	Kind   ErrorKind
	UserID string
	Err    error
}

func (e *UserError) Error() string {
	return fmt.Sprintf("%s: user %s: %v", e.Kind, e.UserID, e.Err)
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a UserError, deriving the kind from err
func NewUserError(userID string, err error) *UserError {
	kind := KindStorage
	switch {
	case IsNotFoundError(err):
		kind = KindNotFound
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidLeague):
		kind = KindInvalid
	}
	return &UserError{Kind: kind, UserID: userID, Err: err}
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrRankingNotFound)
}

// IsExecutorUnavailable reports whether err means the remote executor cannot be
// used at all, as opposed to having failed while running.
func IsExecutorUnavailable(err error) bool {
	return errors.Is(err, ErrExecutorNotFound) || errors.Is(err, ErrExecutorUnauthenticated)
}
