// Package sealerr defines the error taxonomy shared by every sealgate component.
//
// Callers branch on Code or Class rather than on error strings. Error() output
// is human-readable and may evolve between versions.
package sealerr

import (
	"context"
	"errors"
)

// Code is a stable identifier for a failure. Codes are part of the public
// contract and never change meaning.
type Code string

const (
	CodeInvalidLabel          Code = "InvalidLabel"
	CodeInvalidThreshold      Code = "InvalidThreshold"
	CodeKeyServiceUnavailable Code = "KeyServiceUnavailable"
	CodeThresholdNotMet       Code = "ThresholdNotMet"
	CodeIdentityMismatch      Code = "IdentityMismatch"
	CodeIntegrityError        Code = "IntegrityError"
	CodePolicyDenied          Code = "PolicyDenied"
	CodeMalformedCredential   Code = "MalformedCredential"
	CodeUnsupportedCredential Code = "UnsupportedCredential"
	CodeNoAccess              Code = "NoAccess"
	CodeCancelled             Code = "Cancelled"
	CodeServiceUnavailable    Code = "ServiceUnavailable"
)

// Class groups codes by how they propagate.
type Class string

const (
	// ClassConfig errors are caller or operator mistakes. Fatal, never retried.
	ClassConfig Class = "Config"
	// ClassTransient errors are retried by the transport layer.
	ClassTransient Class = "Transient"
	// ClassCorruption errors mean stored or transmitted bytes are unusable.
	ClassCorruption Class = "Corruption"
	// ClassAuthorization errors are per-candidate and absorbed by the resolver.
	ClassAuthorization Class = "Authorization"
	// ClassTerminal errors are final outcomes surfaced to callers.
	ClassTerminal Class = "Terminal"
	// ClassUnknown is returned for errors outside the taxonomy.
	ClassUnknown Class = "Unknown"
)

var classes = map[Code]Class{
	CodeInvalidLabel:          ClassConfig,
	CodeInvalidThreshold:      ClassConfig,
	CodeKeyServiceUnavailable: ClassTransient,
	CodeThresholdNotMet:       ClassTransient,
	CodeIdentityMismatch:      ClassCorruption,
	CodeIntegrityError:        ClassCorruption,
	CodePolicyDenied:          ClassAuthorization,
	CodeMalformedCredential:   ClassAuthorization,
	CodeUnsupportedCredential: ClassAuthorization,
	CodeNoAccess:              ClassTerminal,
	CodeCancelled:             ClassTerminal,
	CodeServiceUnavailable:    ClassTerminal,
}

// Class returns the propagation class of c.
func (c Code) Class() Class {
	if cl, ok := classes[c]; ok {
		return cl
	}
	return ClassUnknown
}

// Error is the structured error type.
//
// Message is intended for humans; do not match on it.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is makes errors.Is(err, &Error{Code: c}) match on code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Message == "" && t.Cause == nil && e.Code == t.Code
}

// New returns an error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap returns an error with the given code that wraps cause.
func Wrap(code Code, msg string, cause error) error {
	if cause == nil {
		return New(code, msg)
	}
	return &Error{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// ClassOf returns the class of err. Context cancellation and deadline errors
// that escaped unwrapped are classified as Terminal and Transient respectively.
func ClassOf(err error) Class {
	if c := CodeOf(err); c != "" {
		return c.Class()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ClassTerminal
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassUnknown
}

// Is reports whether err is (or wraps) a *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsTransient reports whether err should be retried by the transport layer.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}
