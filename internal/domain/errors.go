package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrChainNotFound     = errors.New("chain not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrVaultNotSetup     = errors.New("master password not set up")
	ErrAlreadySetup      = errors.New("master password already set up")
)

// ValidationError is returned synchronously for malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidTransitionError is returned when a status change is not allowed from the current state.
type InvalidTransitionError struct {
	ChainID uuid.UUID
	Current ChainStatus
	Target  ChainStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("chain %s: cannot move from %s to %s", e.ChainID, e.Current, e.Target)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
