package main

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable kind of a cart service error.
type Code string

const (
	CodeUnauthenticated      Code = "UNAUTHENTICATED"
	CodeInvalidToken         Code = "INVALID_TOKEN"
	CodeBookNotFound         Code = "BOOK_NOT_FOUND"
	CodeBookDataMalformed    Code = "BOOK_DATA_MALFORMED"
	CodeInsufficientStock    Code = "INSUFFICIENT_STOCK"
	CodeCartNotFound         Code = "CART_NOT_FOUND"
	CodeItemNotFound         Code = "ITEM_NOT_FOUND"
	CodeCartEmptyOrMissing   Code = "CART_EMPTY_OR_MISSING"
	CodeNoOrderFound         Code = "NO_ORDER_FOUND"
	CodeUpstreamUnavailable  Code = "UPSTREAM_UNAVAILABLE"
	CodeInvalidQuantity      Code = "INVALID_QUANTITY"
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeOrderPartiallyFailed Code = "ORDER_PARTIALLY_FAILED"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeInternal             Code = "INTERNAL"
)

// HTTPStatus maps a code to the status the HTTP surface answers with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeInvalidToken:
		return http.StatusForbidden
	case CodeBookNotFound, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeInsufficientStock:
		return http.StatusNotAcceptable
	case CodeCartNotFound, CodeItemNotFound, CodeCartEmptyOrMissing, CodeNoOrderFound:
		return http.StatusNotFound
	case CodeUpstreamUnavailable:
		return http.StatusBadGateway
	case CodeInvalidQuantity:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		// BookDataMalformed, OrderPartiallyFailed, Internal
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Message is safe to show to the caller;
// the wrapped cause is only logged.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) withCause(err error) *Error {
	return &Error{Code: e.Code, Message: e.Message, cause: err}
}

var (
	ErrUnauthenticated      = &Error{Code: CodeUnauthenticated, Message: "authorization token missing"}
	ErrInvalidToken         = &Error{Code: CodeInvalidToken, Message: "invalid user"}
	ErrBookNotFound         = &Error{Code: CodeBookNotFound, Message: "book not found"}
	ErrBookDataMalformed    = &Error{Code: CodeBookDataMalformed, Message: "book price not available"}
	ErrInsufficientStock    = &Error{Code: CodeInsufficientStock, Message: "insufficient stock"}
	ErrCartNotFound         = &Error{Code: CodeCartNotFound, Message: "cart not found"}
	ErrItemNotFound         = &Error{Code: CodeItemNotFound, Message: "cart item not found"}
	ErrCartEmptyOrMissing   = &Error{Code: CodeCartEmptyOrMissing, Message: "cart is empty or already ordered"}
	ErrNoOrderFound         = &Error{Code: CodeNoOrderFound, Message: "no order found for the user"}
	ErrUpstreamUnavailable  = &Error{Code: CodeUpstreamUnavailable, Message: "upstream service unavailable"}
	ErrInvalidQuantity      = &Error{Code: CodeInvalidQuantity, Message: "quantity must be a positive integer"}
	ErrOrderPartiallyFailed = &Error{Code: CodeOrderPartiallyFailed, Message: "order partially failed and requires reconciliation"}
	ErrInternal             = &Error{Code: CodeInternal, Message: "unexpected error occurred"}
)

// codeOf classifies err; anything unclassified is internal.
func codeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
