package hubsync

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies API failures.
type ErrorKind string

const (
	KindNetwork      ErrorKind = "network"
	KindUnauthorized ErrorKind = "unauthorized"
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindAPI          ErrorKind = "api"
)

// Sentinels for errors.Is matching against *APIError.
var (
	ErrNetwork      = errors.New("network error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrAPI          = errors.New("api error")
)

var kindSentinels = map[ErrorKind]error{
	KindNetwork:      ErrNetwork,
	KindUnauthorized: ErrUnauthorized,
	KindValidation:   ErrValidation,
	KindNotFound:     ErrNotFound,
	KindAPI:          ErrAPI,
}

// APIError is the structured error returned by every sub-client.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
	Details map[string]string
	cause   error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches the sentinel for the error's kind.
func (e *APIError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func (e *APIError) Unwrap() error {
	return e.cause
}

func networkError(err error) *APIError {
	return &APIError{Kind: KindNetwork, Message: "network request failed", cause: err}
}

// errorFromResponse builds an APIError from an HTTP status and optional envelope error.
func errorFromResponse(status int, we *wireError) *APIError {
	e := &APIError{Status: status}
	if status >= 300 {
		e.Message = http.StatusText(status)
	}
	if we != nil {
		e.Code = we.Code
		if we.Message != "" {
			e.Message = we.Message
		}
		e.Details = we.Details
	}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = KindValidation
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	default:
		e.Kind = KindAPI
	}
	if e.Message == "" {
		e.Message = "request failed"
	}
	return e
}

// FieldErrors returns the field-level validation details carried by err, if any.
func FieldErrors(err error) map[string]string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindValidation {
		return apiErr.Details
	}
	return nil
}
