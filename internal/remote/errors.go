package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies remote failures.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindRateLimit  Kind = "rate_limit"
	KindServer     Kind = "server"
	KindAuth       Kind = "auth"
	KindPermission Kind = "permission"
	KindValidation Kind = "validation"
	KindDuplicate  Kind = "duplicate"
	KindNotFound   Kind = "not_found"
	KindUnknown    Kind = "unknown"
)

// Error codes returned by the backend.
const (
	CodeDuplicate    = "duplicate"
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeInvalid      = "invalid_request"
	CodeInternal     = "internal_error"
)

// Error is a classified remote failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode > 0 && e.Code != "":
		return fmt.Sprintf("remote %s: http %d %s: %s", e.Kind, e.StatusCode, e.Code, e.Message)
	case e.StatusCode > 0:
		return fmt.Sprintf("remote %s: http %d: %s", e.Kind, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("remote %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying may succeed.
func (k Kind) Transient() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindServer:
		return true
	default:
		return false
	}
}

// Classify maps any error to a Kind. A nil error has no kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return Classify(err).Transient()
}

// IsBenign reports whether err means another writer already converged the same state.
func IsBenign(err error) bool {
	switch Classify(err) {
	case KindDuplicate, KindNotFound:
		return true
	default:
		return false
	}
}

func kindForStatus(status int, code string) Kind {
	switch code {
	case CodeDuplicate:
		return KindDuplicate
	case CodeNotFound:
		return KindNotFound
	}
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		return KindPermission
	case status == http.StatusConflict:
		return KindDuplicate
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}

// NewStatusError builds an Error from an HTTP status and error code.
func NewStatusError(status int, code, message string) *Error {
	return &Error{Kind: kindForStatus(status, code), StatusCode: status, Code: code, Message: message}
}
