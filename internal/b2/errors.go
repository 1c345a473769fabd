// Package b2 provides typed request/response operations for the Backblaze B2
// native API (v3). Every operation performs exactly one HTTP attempt: retry,
// re-authorization, and upload-URL replacement live one layer up in b2ops,
// which uses Classify to decide how each failure is recovered.
package b2

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, b2.ErrNotFound) to check.
var (
	ErrBadRequest          = errors.New("b2: bad request")
	ErrUnauthorized        = errors.New("b2: unauthorized")
	ErrForbidden           = errors.New("b2: forbidden")
	ErrNotFound            = errors.New("b2: not found")
	ErrMethodNotAllowed    = errors.New("b2: method not allowed")
	ErrRequestTimeout      = errors.New("b2: request timeout")
	ErrConflict            = errors.New("b2: conflict")
	ErrRangeNotSatisfiable = errors.New("b2: range not satisfiable")
	ErrThrottled           = errors.New("b2: too many requests")
	ErrServerError         = errors.New("b2: server error")
	ErrServiceUnavailable  = errors.New("b2: service unavailable")

	// ErrProtocol marks responses whose shape the client does not understand.
	ErrProtocol = errors.New("b2: protocol violation")
)

// Service error codes that change how a failure is recovered.
const (
	CodeBadAuthToken     = "bad_auth_token"
	CodeExpiredAuthToken = "expired_auth_token"
	CodeUnauthorized     = "unauthorized"
	CodeNotFound         = "not_found"
	CodeDuplicateBucket  = "duplicate_bucket_name"
	CodeFileNotPresent   = "file_not_present"
)

// APIError is a non-2xx response from the service. It carries the decoded
// B2 error body and unwraps to the status sentinel for errors.Is.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       string // service error code, e.g. "expired_auth_token"
	Message    string
	RetryAfter time.Duration // from the Retry-After header, 0 if absent
	Err        error         // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("b2: %s: HTTP %d %s: %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("b2: %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// TransportError is a failure below HTTP: DNS, connection reset, TLS, or an
// attempt deadline. The request may or may not have reached the service.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("b2: %s: transport: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a 2xx response that could not be decoded or lacks
// required fields. It indicates a client/server mismatch, never a transient
// condition.
type ProtocolError struct {
	Endpoint string
	Reason   string
	Err      error // underlying decode error, may be nil
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("b2: %s: protocol violation: %s: %v", e.Endpoint, e.Reason, e.Err)
	}

	return fmt.Sprintf("b2: %s: protocol violation: %s", e.Endpoint, e.Reason)
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProtocol, e.Err}
	}

	return []error{ErrProtocol}
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a dedicated sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusMethodNotAllowed:
		return ErrMethodNotAllowed
	case http.StatusRequestTimeout:
		return ErrRequestTimeout
	case http.StatusConflict:
		return ErrConflict
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusServiceUnavailable:
		return ErrServiceUnavailable
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}
