// Package nexuserr defines the engine-wide error taxonomy. Every fallible
// operation in Nexus returns (or wraps) one of these codes so that callers
// at any layer — storage, transactions, planning, execution — can branch on
// a stable identity instead of string-matching messages.
package nexuserr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Codes are stable across releases;
// message text is not.
type Code string

const (
	CodeParseError          Code = "ParseError"
	CodeSemanticError       Code = "SemanticError"
	CodeParameterError      Code = "ParameterError"
	CodeCatalogCorrupt      Code = "CatalogCorrupt"
	CodeWalCorrupt          Code = "WalCorrupt"
	CodePageChecksum        Code = "PageChecksumMismatch"
	CodeStoreIoError        Code = "StoreIoError"
	CodeNotFound            Code = "NotFound"
	CodeConstraintViolation Code = "ConstraintViolation"
	CodeInvariantViolation  Code = "InvariantViolation"
	CodeIndexNotFound       Code = "IndexNotFound"
	CodeVectorDimension     Code = "VectorDimensionMismatch"
	CodeWriteConflict       Code = "WriteConflict" // reserved, never raised in single-writer mode
	CodeTimeout             Code = "Timeout"
	CodeCanceled            Code = "Canceled"
	CodeResourceExhausted   Code = "ResourceExhausted"
	CodeInternal            Code = "Internal"
	CodeTooManyLabels       Code = "TooManyLabels"
)

// Error is the concrete error type returned across package boundaries. It
// always carries a Code and may wrap an underlying cause.
type Error struct {
	Code    Code
	Message string
	// Position is set for ParseError; zero value otherwise.
	Line, Column int
	// Op names the failing operator when PROFILE mode is on; empty otherwise.
	Op string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error with no underlying cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that chains an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// AtPosition attaches a source position to a ParseError-kind Error.
func (e *Error) AtPosition(line, column int) *Error {
	e.Line, e.Column = line, column
	return e
}

// WithOp attaches the failing operator identity (used under PROFILE).
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// CodeOf extracts the Code from err, or CodeInternal if err is not (and does
// not wrap) a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
