// Package apperr defines the error taxonomy shared by the credential, platform,
// reconciliation and rate limiting layers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure by what the caller should do about it.
type Kind string

const (
	KindUnknown           Kind = ""
	KindNotAuthorized     Kind = "not_authorized"
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindNotFound          Kind = "not_found"
	KindTransientUpstream Kind = "transient_upstream"
	KindUpstream          Kind = "upstream"
	KindValidation        Kind = "validation"
	KindRateLimited       Kind = "rate_limited"
	KindDatabase          Kind = "database"
)

// Sentinels for errors.Is checks. They match any *Error of the same kind.
var (
	ErrNotAuthorized     = &Error{Kind: KindNotAuthorized}
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrTransientUpstream = &Error{Kind: KindTransientUpstream}
	ErrUpstream          = &Error{Kind: KindUpstream}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrDatabase          = &Error{Kind: KindDatabase}
)

// Error is a classified failure. Code follows the "<operation>.<reason>" form.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

// New builds a classified error for the given operation and reason.
func New(kind Kind, operation, reason string, cause error) *Error {
	code := operation
	if reason != "" {
		code = fmt.Sprintf("%s.%s", operation, reason)
	}
	return &Error{Kind: kind, Code: code, Err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Code == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return e.Code
	case e.Code == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == "" && other.Err == nil && other.Kind == e.Kind
}

// RateLimitedError reports a governor denial and when the window resets.
type RateLimitedError struct {
	Identifier string
	ResetAt    time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s until %s", e.Identifier, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// KindOf returns the outermost classification found in the chain.
func KindOf(err error) Kind {
	for current := err; current != nil; current = errors.Unwrap(current) {
		switch typed := current.(type) {
		case *RateLimitedError:
			return KindRateLimited
		case *Error:
			if typed.Kind != KindUnknown {
				return typed.Kind
			}
		}
	}
	return KindUnknown
}

// CodeOf returns the first non-empty code in the chain.
func CodeOf(err error) string {
	for current := err; current != nil; current = errors.Unwrap(current) {
		if classified, ok := current.(*Error); ok && classified.Code != "" {
			return classified.Code
		}
	}
	return ""
}

// HTTPStatus maps a kind onto the status the dashboard API responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotAuthorized, KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransientUpstream, KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
