package main

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be a positive integer")
	ErrMissingKey      = errors.New("idempotency_key is required")
)

type ErrBookNotFound struct{ BookID int64 }

func (e ErrBookNotFound) Error() string { return fmt.Sprintf("book with ID %d not found", e.BookID) }

type ErrInsufficient struct {
	BookID      int64
	Need, Avail int32
}

func (e ErrInsufficient) Error() string {
	return fmt.Sprintf("insufficient stock for book ID %d: requested %d, available %d", e.BookID, e.Need, e.Avail)
}

// ErrKeyMismatch: la clave ya se usó para otro libro o cantidad.
type ErrKeyMismatch struct{ Key string }

func (e ErrKeyMismatch) Error() string {
	return fmt.Sprintf("idempotency key %q already used for a different stock change", e.Key)
}
