package model

import (
	"errors"
	"fmt"

	"xdao.co/sealgate/sealerr"
)

type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrInvalidLabel       ErrorCode = "INVALID_LABEL"
	ErrInvalidThreshold   ErrorCode = "INVALID_THRESHOLD"
	ErrIdentityMismatch   ErrorCode = "IDENTITY_MISMATCH"
	ErrIntegrity          ErrorCode = "INTEGRITY_ERROR"
	ErrNoAccess           ErrorCode = "NO_ACCESS"
	ErrCancelled          ErrorCode = "CANCELLED"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternal           ErrorCode = "INTERNAL"
)

// CodedError is a stable error with a machine-readable code and a human message.
type CodedError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *CodedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code ErrorCode, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// FromError projects err onto the boundary codes. Authorization failures
// are reported as NO_ACCESS whichever candidate produced them, and
// transient key-service failures as SERVICE_UNAVAILABLE.
func FromError(err error) *CodedError {
	if err == nil {
		return nil
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce
	}
	switch sealerr.CodeOf(err) {
	case sealerr.CodeInvalidLabel:
		return NewError(ErrInvalidLabel, err.Error())
	case sealerr.CodeInvalidThreshold:
		return NewError(ErrInvalidThreshold, err.Error())
	case sealerr.CodeIdentityMismatch:
		return NewError(ErrIdentityMismatch, err.Error())
	case sealerr.CodeIntegrityError:
		return NewError(ErrIntegrity, err.Error())
	case sealerr.CodeNoAccess, sealerr.CodePolicyDenied, sealerr.CodeMalformedCredential, sealerr.CodeUnsupportedCredential:
		return NewError(ErrNoAccess, "access denied")
	case sealerr.CodeCancelled:
		return NewError(ErrCancelled, err.Error())
	case sealerr.CodeServiceUnavailable, sealerr.CodeKeyServiceUnavailable, sealerr.CodeThresholdNotMet:
		return NewError(ErrServiceUnavailable, err.Error())
	}
	return NewError(ErrInternal, err.Error())
}
