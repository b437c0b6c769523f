// Package apperr defines the error kinds surfaced by the collections API and
// their mapping onto HTTP status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error for the HTTP layer.
type Kind string

const (
	KindInternal           Kind = "Internal"
	KindNotFound           Kind = "NotFound"
	KindInvalidFilter      Kind = "InvalidFilter"
	KindUnsupported        Kind = "Unsupported"
	KindNonNumericColumn   Kind = "NonNumericColumn"
	KindLimitExceeded      Kind = "LimitExceeded"
	KindStorageUnavailable Kind = "StorageUnavailable"
)

// Error carries a Kind, a client-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to err. A nil err yields nil.
func Wrap(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the client-facing message. Internal errors never leak their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind onto a response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidFilter, KindNonNumericColumn, KindLimitExceeded:
		return http.StatusBadRequest
	case KindUnsupported:
		return http.StatusUnprocessableEntity
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromDB classifies an error returned by pgx. Connection failures and pool
// acquisition timeouts become StorageUnavailable, a missing relation becomes
// NotFound, invalid text representations of bound literals become InvalidFilter.
func FromDB(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || errors.Is(err, context.DeadlineExceeded) || pgconn.SafeToRetry(err) {
		return Wrap(err, KindStorageUnavailable, "database unavailable")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "3F000": // undefined_table, invalid_schema_name
			return Wrap(err, KindNotFound, "relation not found")
		case "22P02", "22007", "22008", "22003": // invalid_text_representation, datetime and numeric range errors
			return Wrap(err, KindInvalidFilter, "invalid literal: %s", pgErr.Message)
		case "57P01", "57P03", "53300": // admin_shutdown, cannot_connect_now, too_many_connections
			return Wrap(err, KindStorageUnavailable, "database unavailable")
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return Wrap(err, KindNotFound, "not found")
	}
	return fmt.Errorf("%s: %w", op, err)
}
