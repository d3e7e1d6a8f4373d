package types

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// ErrorKind classifies failures raised by the register mapping core.
type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration_error"
	KindConnection     ErrorKind = "connection_error"
	KindTimeout        ErrorKind = "timeout_error"
	KindBusy           ErrorKind = "device_busy"
	KindClosed         ErrorKind = "device_closed"
	KindNotFound       ErrorKind = "device_not_found"
	KindDecode         ErrorKind = "decode_error"
	KindValidation     ErrorKind = "validation_error"
	KindNotWritable    ErrorKind = "register_not_writable"
	KindTransportRead  ErrorKind = "transport_read_error"
	KindTransportWrite ErrorKind = "transport_write_error"
)

// Status returns the HTTP style status code reported for the kind.
func (k ErrorKind) Status() int {
	switch k {
	case KindConnection:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBusy:
		return http.StatusConflict
	case KindClosed:
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	case KindDecode, KindTransportRead:
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

// Error is the value-carrying error of the core. Detail always names the
// offending parameter or address.
type Error struct {
	Kind    ErrorKind
	Status  int
	Detail  string
	Updated map[string]any
	Err     error
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:   kind,
		Status: kind.Status(),
		Detail: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches an underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// WithUpdated returns a copy annotated with the register content that was
// already committed before the failure.
func (e *Error) WithUpdated(updated map[string]any) *Error {
	if updated == nil {
		updated = map[string]any{}
	}
	content, err := json.Marshal(updated)
	if err != nil {
		content = []byte(fmt.Sprintf("%v", updated))
	}
	return &Error{
		Kind:    e.Kind,
		Status:  e.Status,
		Detail:  fmt.Sprintf("%s, updated register content: %s", e.Detail, content),
		Updated: updated,
		Err:     e.Err,
	}
}

// Response converts the error into the REST payload.
func (e *Error) Response() ErrorResponse {
	var details any
	if e.Updated != nil {
		details = map[string]any{"updated_register_content": e.Updated}
	}
	return NewErrorResponse(string(e.Kind), e.Detail, details)
}
