// Package zterr defines the error taxonomy shared by all zteradb-go
// packages. Every failure surfaced to a caller is an *Error carrying a
// Kind with a stable integer code, so callers can branch on the class
// of failure without string matching.
package zterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error. The numeric value of a Kind is its stable
// code and is part of the public contract.
type Kind int

const (
	// Connection covers socket create/connect failures and read
	// deadlines exceeded mid-frame.
	Connection Kind = 10
	// Protocol covers interrupted framed reads and invalid framing.
	Protocol Kind = 20
	// Auth covers handshake rejections (the server's error flag set).
	// A handshake response with missing or malformed token fields is a
	// Value error.
	Auth Kind = 30
	// Value covers invalid caller input: bad types, empty fields,
	// reserved keys, invalid limits.
	Value Kind = 40
	// Query is raised when the server answers a query with a non-data,
	// non-terminator response code.
	Query Kind = 90
	// JSONParse is raised when a received frame is not valid JSON.
	JSONParse Kind = 100
	// NoResponseData is raised when a query that requires at least one
	// row completes without any data frames.
	NoResponseData Kind = 101
)

func (k Kind) String() string {
	switch k {
	case Connection:
		return "connection error"
	case Protocol:
		return "protocol error"
	case Auth:
		return "authentication error"
	case Value:
		return "value error"
	case Query:
		return "query error"
	case JSONParse:
		return "json parse error"
	case NoResponseData:
		return "no response data"
	default:
		return fmt.Sprintf("error(%d)", int(k))
	}
}

// Error is the concrete error type for all zteradb failures.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around an underlying cause.
// The cause is reachable through errors.Unwrap.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Code returns the stable integer code for the error's kind.
func (e *Error) Code() int { return int(e.kind) }

// Message returns the message without the kind prefix or the cause.
func (e *Error) Message() string { return e.msg }

// Is reports kind equality, so errors.Is(err, zterr.New(zterr.Query, ""))
// style comparisons work against any error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.kind == t.kind
}

// IsKind reports whether err (or anything it wraps) is a zteradb error
// of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.kind == kind
}

// KindOf returns the kind of err, or 0 if err is not a zteradb error.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return 0
	}
	return e.kind
}
