package domain

import "errors"

var (
	ErrInvalidAmount           = errors.New("invalid amount: must be positive")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrUnsupportedCurrencyPair = errors.New("unsupported currency pair")
	ErrNothingToRecover        = errors.New("nothing to recover")
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountExists           = errors.New("account already exists")

	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrSameAccount         = errors.New("sender and recipient must be different accounts")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrEntryNotFound       = errors.New("transaction not found")
)
