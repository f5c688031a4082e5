package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/phishguard/phishguard/pkg/protocol"
)

// ErrUnauthenticated is returned when no usable credential exists, including
// after a failed refresh (which also ends the session).
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrorKind classifies failed auth operations.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidCredentials
	KindAccountLocked
	KindRateLimited
	KindValidation
	KindEmailTaken
	KindNetwork
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAccountLocked:
		return "account_locked"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation_error"
	case KindEmailTaken:
		return "email_taken"
	case KindNetwork:
		return "network_error"
	case KindStorage:
		return "storage_error"
	default:
		return "unknown"
	}
}

// AuthError is a classified auth failure. Message returns the text shown to
// the user; Error includes the underlying cause for logs.
type AuthError struct {
	Kind   ErrorKind
	Status int    // HTTP status, 0 for transport failures
	Detail string // server-provided description, if any
	Err    error
}

// Message returns a human-readable description of the failure.
func (e *AuthError) Message() string {
	switch e.Kind {
	case KindInvalidCredentials:
		return "Invalid email or password."
	case KindAccountLocked:
		return "Account is locked. Please contact support."
	case KindRateLimited:
		return "Too many login attempts. Please try again later."
	case KindValidation:
		if e.Detail != "" {
			return e.Detail
		}
		return "Please check your input and try again."
	case KindEmailTaken:
		return "An account with this email already exists."
	case KindNetwork:
		return "Unable to reach the server. Check your connection and try again."
	case KindStorage:
		return "Could not save your session on this device."
	default:
		if e.Detail != "" {
			return e.Detail
		}
		return "Request failed. Please try again."
	}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d)", e.Kind, e.Status)
	}
	return e.Kind.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

// classify maps an auth endpoint response to an AuthError. Registration uses
// 409 for duplicate accounts; everything else shares the login mapping.
func classify(status int, body []byte) *AuthError {
	detail := errorDetail(body)
	e := &AuthError{Status: status, Detail: detail}
	switch status {
	case http.StatusUnauthorized:
		e.Kind = KindInvalidCredentials
	case http.StatusLocked:
		e.Kind = KindAccountLocked
	case http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		e.Kind = KindValidation
	case http.StatusConflict:
		e.Kind = KindEmailTaken
	default:
		e.Kind = KindUnknown
	}
	return e
}

func errorDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var er protocol.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		if t := er.Text(); t != "" {
			return t
		}
	}
	// FastAPI-style validation errors put a list under "detail".
	var list struct {
		Detail []struct {
			Msg string `json:"msg"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(body, &list); err == nil && len(list.Detail) > 0 {
		return list.Detail[0].Msg
	}
	return ""
}
