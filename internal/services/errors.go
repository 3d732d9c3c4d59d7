package services

import "errors"

// Domain errors. Storage-level integrity violations (unique constraint hits)
// are translated before they reach a handler, so callers can retry any
// operation with the same idempotency key and get the original result.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	ErrSelfGift          = errors.New("sender and receiver must differ")
)
