package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyTerminal     = errors.New("transaction already in a terminal state")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCapExceeded         = errors.New("usage cap exceeded")
	ErrDuplicateEvent      = errors.New("event already processed")
	ErrConflict            = errors.New("conflict")
	ErrFeatureDisabled     = errors.New("feature disabled")
)

// InsufficientBalanceError reports a rejected withdrawal together with the
// balance the caller could have withdrawn.
type InsufficientBalanceError struct {
	Requested int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested %d, available %d", e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
