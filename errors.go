package sockrouter

import (
	"errors"
	"fmt"
)

// Code is a member of the closed error-code taxonomy. Unlike a Go error
// identifier, it is part of the wire protocol and MUST remain stable.
type Code string

const (
	CodeInvalidArgument         Code = "INVALID_ARGUMENT"
	CodeUnsupportedMessageType  Code = "UNSUPPORTED_MESSAGE_TYPE"
	CodeResourceExhausted       Code = "RESOURCE_EXHAUSTED"
	CodeInternal                Code = "INTERNAL"
	CodeInvalidTopic            Code = "INVALID_TOPIC"
	CodeTopicLimitExceeded      Code = "TOPIC_LIMIT_EXCEEDED"
	CodeConnectionClosed        Code = "CONNECTION_CLOSED"
	CodeAdapterError            Code = "ADAPTER_ERROR"
	CodeAborted                 Code = "ABORTED"
	CodeOutboundValidationError Code = "OUTBOUND_VALIDATION_ERROR"
	CodeTimedOut                Code = "TIMED_OUT"
	CodeNotFound                Code = "NOT_FOUND"
	CodeUnauthenticated         Code = "UNAUTHENTICATED"
	CodePermissionDenied        Code = "PERMISSION_DENIED"
	CodeFailedPrecondition      Code = "FAILED_PRECONDITION"
)

// WireError is the user-visible payload of an ERROR/RPC_ERROR frame. It is
// always {code, message, details?}; sensitive internals never go in Details.
type WireError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the standard error interface so WireError can also be
// returned from Go APIs (e.g. adapter methods) without a second type.
func (e *WireError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a WireError with optional details.
func NewError(code Code, message string, details map[string]any) *WireError {
	return &WireError{Code: code, Message: message, Details: details}
}

// AsWireError unwraps err looking for a *WireError, falling back to a
// generic INTERNAL error that does not leak the original error's text
// beyond a logged reference (callers needing the original should log it
// themselves via the router's logger hooks before calling this).
func AsWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	var we *WireError
	if errors.As(err, &we) {
		return we
	}
	return NewError(CodeInternal, "internal error", nil)
}

// unmarshalError wraps a JSON decode failure encountered while parsing an
// inbound envelope or payload, distinguishing it from downstream errors in
// logs while still being errors.Is/As friendly.
type unmarshalError struct {
	stage string
	err   error
}

func (e *unmarshalError) Error() string {
	return fmt.Sprintf("sockrouter: unmarshal %s: %v", e.stage, e.err)
}

func (e *unmarshalError) Unwrap() error { return e.err }

// validationError wraps a schema-validation failure, carrying the field
// issues reported by the validator adapter.
type validationError struct {
	stage  string
	issues []string
	err    error
}

func (e *validationError) Error() string {
	return fmt.Sprintf("sockrouter: validation %s: %v", e.stage, e.err)
}

func (e *validationError) Unwrap() error { return e.err }
