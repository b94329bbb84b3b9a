// Package errs provides the structured error type shared across the
// sensing-node subsystems (SD driver, streaming writer, uFAT, framed I/O
// channel, bootloader).
package errs

import (
	"errors"
	"fmt"
)

// Code is a high-level error category, matching the tags in the firmware's
// error handling design: CardUnavailable, CardUnsupported, FsUnavailable,
// LogFull, WriteTimeout, WriteRejected, FrameError, BufferFull, ProtocolError.
type Code string

const (
	CardUnavailable  Code = "card unavailable"
	CardUnsupported  Code = "card unsupported"
	FsUnavailable    Code = "filesystem unavailable"
	LogFull          Code = "log full"
	WriteTimeout     Code = "write timeout"
	WriteRejected    Code = "write rejected"
	FrameError       Code = "frame error"
	BufferFull       Code = "buffer full"
	ProtocolError    Code = "protocol error"
)

// Error is a structured error carrying the operation that failed, the
// category, and an optional wrapped cause. It mirrors the shape of a
// typical Go driver error: enough context to log usefully, enough
// structure for callers to branch on Code via errors.As.
type Error struct {
	Op    string // operation that failed, e.g. "block_write", "stream_open"
	Code  Code   // high-level category
	Msg   string // human-readable detail
	Inner error  // wrapped cause, if any
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, msg, e.Code)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Code)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is against another *Error by comparing Code. To test
// an error against a bare Code, use the package-level Is(err, code).
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// New creates a structured error with no wrapped cause.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Wrap attaches operation context to an inner error, classifying it by
// Code if the inner error is itself a *Error, else defaulting to code.
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: ie.Code, Msg: ie.Msg, Inner: inner}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
