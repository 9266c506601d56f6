// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors classifies failures of the connectivity core into a small set
// of kinds so callers can separate retry-worthy conditions from programming bugs.
package errors

import (
	"errors"
	"strings"
)

// Error kinds.
var (
	// ErrInvalidArgument reports malformed or missing input. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrIllegalState reports a method invoked out of sequence.
	ErrIllegalState = errors.New("illegal state")
	// ErrTransport reports a link that is down or a failed send/receive.
	ErrTransport = errors.New("transport error")
	// ErrProtocol reports a failure raised by the underlying protocol engine.
	ErrProtocol = errors.New("protocol error")
	// ErrSecurity reports rejected credentials, a malformed challenge or an
	// authentication timeout.
	ErrSecurity = errors.New("security error")
	// ErrConnection reports a connection that could not be established in time.
	ErrConnection = errors.New("connection error")
	// ErrClient reports a client-usage mistake detected at request time.
	ErrClient = errors.New("client error")
)

// Error carries the kind of a failure together with the operation that raised it.
type Error struct {
	Kind      error
	Op        string
	Msg       string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	switch {
	case e.Msg != "":
		parts = append(parts, e.Msg)
	case e.Kind != nil:
		parts = append(parts, e.Kind.Error())
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New returns an error of the given kind.
func New(kind error, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient returns an error of the given kind that an outer policy may retry.
func Transient(kind error, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err, Retryable: true}
}

// IsRetryable reports whether err, or any error it wraps, was marked retryable.
// Transport failures are retryable unless stated otherwise.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retryable || errors.Is(e.Kind, ErrTransport)
}

// Is re-exports errors.Is so callers need a single import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As re-exports errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join re-exports errors.Join.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
